package delivery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusEvent struct {
	msg model.Message
	rec model.DeliveryRecord
}

type fixture struct {
	log    *messagelog.Log
	clock  *clock.Fake
	m      *Machine
	events []statusEvent
}

func newFixture(timeout time.Duration) *fixture {
	f := &fixture{log: messagelog.New(), clock: clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
	n := 0
	f.m = New(f.log, Options{
		DedupWindow: 100 * time.Millisecond,
		PendingTTL:  30 * time.Second,
		Timeout:     timeout,
		Clock:       f.clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("corr-%d", n)
		},
		OnStatus: func(msg model.Message, rec model.DeliveryRecord) {
			f.events = append(f.events, statusEvent{msg, rec})
		},
	})
	return f
}

func (f *fixture) send(text string) model.Message {
	return f.m.NewOutgoing("room", "alice", "Alice", model.Content{Text: text})
}

func rec(corr string, st model.Status, id string) model.DeliveryRecord {
	return model.DeliveryRecord{CorrelationID: corr, Status: st, PersistedID: id}
}

func TestNewOutgoing_InsertsSending(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, model.StatusSending, msg.Status)
	assert.Empty(t, msg.ID)
	assert.Equal(t, 1, f.log.Len())
	assert.Equal(t, 1, f.m.Unsent())
}

func TestApplyStatus_FullLifecycle(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	f.m.MarkPublished(msg.CorrelationID)

	for _, st := range []model.Status{model.StatusSentToBroker, model.StatusProcessing} {
		_, out := f.m.ApplyStatus(rec(msg.CorrelationID, st, ""))
		assert.Equal(t, Applied, out)
	}
	got, out := f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSaved, "m-1"))
	assert.Equal(t, Applied, out)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, model.StatusSaved, got.Status)

	byID, ok := f.log.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, msg.CorrelationID, byID.CorrelationID)
	require.Len(t, f.events, 3)
	assert.Equal(t, "m-1", f.events[2].rec.PersistedID)
}

func TestApplyStatus_FastPathToSaved(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	got, out := f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSaved, "m-1"))
	assert.Equal(t, Applied, out)
	assert.Equal(t, model.StatusSaved, got.Status)
}

func TestApplyStatus_NoBackwardTransitions(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusProcessing, ""))
	_, out := f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSentToBroker, ""))
	assert.Equal(t, Ignored, out)
	got, _ := f.log.Get(msg.CorrelationID)
	assert.Equal(t, model.StatusProcessing, got.Status)

	f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusFailed, ""))
	_, out = f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSaved, "m-1"))
	assert.Equal(t, Ignored, out)
}

func TestApplyStatus_DuplicateWithinWindow(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	_, out := f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSentToBroker, ""))
	assert.Equal(t, Applied, out)
	_, out = f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSentToBroker, ""))
	assert.Equal(t, Duplicate, out)

	f.clock.Advance(150 * time.Millisecond)
	_, out = f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSentToBroker, ""))
	assert.Equal(t, Ignored, out)
	assert.Len(t, f.events, 1)
}

func TestApplyStatus_BufferedUntilMessageAppears(t *testing.T) {
	f := newFixture(0)
	_, out := f.m.ApplyStatus(rec("corr-remote", model.StatusSaved, "m-9"))
	assert.Equal(t, Buffered, out)
	assert.Equal(t, 1, f.m.PendingCount())

	got, inserted := f.m.Upsert(model.Message{CorrelationID: "corr-remote", SenderID: "alice", Status: model.StatusSending, CreatedAt: f.clock.Now()})
	assert.True(t, inserted)
	assert.Equal(t, model.StatusSaved, got.Status)
	assert.Equal(t, "m-9", got.ID)
	assert.Equal(t, 0, f.m.PendingCount())
	require.Len(t, f.events, 1)
}

func TestApplyStatus_BufferedMergesStatuses(t *testing.T) {
	f := newFixture(0)
	f.m.ApplyStatus(rec("c", model.StatusProcessing, ""))
	f.m.ApplyStatus(rec("c", model.StatusSentToBroker, ""))
	assert.Equal(t, model.StatusProcessing, f.m.pending["c"].rec.Status)
}

func TestApplyStatus_BufferedGivesUpAfterTTL(t *testing.T) {
	f := newFixture(0)
	f.m.ApplyStatus(rec("ghost", model.StatusSentToBroker, ""))
	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestApplyStatus_Malformed(t *testing.T) {
	f := newFixture(0)
	_, out := f.m.ApplyStatus(model.DeliveryRecord{Status: model.StatusSaved})
	assert.Equal(t, Ignored, out)
	_, out = f.m.ApplyStatus(rec("c", "BOGUS", ""))
	assert.Equal(t, Ignored, out)
}

func TestTimeoutAfterPublishFails(t *testing.T) {
	f := newFixture(10 * time.Second)
	msg := f.send("hi")
	f.clock.Advance(time.Minute)
	got, _ := f.log.Get(msg.CorrelationID)
	assert.Equal(t, model.StatusSending, got.Status, "unpublished messages do not time out")

	f.m.MarkPublished(msg.CorrelationID)
	f.clock.Advance(10 * time.Second)
	got, _ = f.log.Get(msg.CorrelationID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.Len(t, f.events, 1)
	assert.Equal(t, "delivery timeout", f.events[0].rec.Reason)
}

func TestTimeoutCancelledBySaved(t *testing.T) {
	f := newFixture(10 * time.Second)
	msg := f.send("hi")
	f.m.MarkPublished(msg.CorrelationID)
	f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusSaved, "m-1"))
	assert.Equal(t, 0, f.clock.Pending())
}

func TestRetry(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	f.m.MarkPublished(msg.CorrelationID)

	_, err := f.m.Retry(msg.CorrelationID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	f.m.ApplyStatus(rec(msg.CorrelationID, model.StatusFailed, ""))
	again, err := f.m.Retry(msg.CorrelationID)
	require.NoError(t, err)
	assert.NotEqual(t, msg.CorrelationID, again.CorrelationID)
	assert.Equal(t, "hi", again.Content.Text)
	assert.Equal(t, model.StatusSending, again.Status)
	assert.False(t, f.log.Has(msg.CorrelationID))
	assert.Equal(t, 1, f.log.Len())

	_, err = f.m.Retry("missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestRetryUnsentWhileDisconnected(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	again, err := f.m.Retry(msg.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Content.Text)
}

func TestDiscard(t *testing.T) {
	f := newFixture(0)
	msg := f.send("hi")
	_, err := f.m.Discard(msg.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.log.Len())

	f.m.Upsert(model.Message{ID: "m-1", SenderID: "bob", Status: model.StatusSaved})
	_, err = f.m.Discard("m-1")
	assert.ErrorIs(t, err, ErrPersisted)
}

func TestShouldAck(t *testing.T) {
	peer := model.Message{ID: "m", SenderID: "bob", Status: model.StatusSaved}
	assert.True(t, ShouldAck(peer, "alice", true))
	assert.False(t, ShouldAck(peer, "alice", false))
	assert.False(t, ShouldAck(peer, "bob", true))

	peer.ReadBy = model.NewUserSet("alice")
	assert.False(t, ShouldAck(peer, "alice", true))

	assert.False(t, ShouldAck(model.Message{CorrelationID: "c", SenderID: "bob"}, "alice", true))
}

func TestFailureWrapsSentinel(t *testing.T) {
	err := Failure(rec("c", model.StatusFailed, ""))
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.Contains(t, err.Error(), "correlation_id=c")
}
