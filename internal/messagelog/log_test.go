package messagelog

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func local(corr string, sec int, text string) model.Message {
	return model.Message{CorrelationID: corr, RoomID: "r", SenderID: "alice", Content: model.Content{Text: text}, Status: model.StatusSending, CreatedAt: at(sec)}
}

func saved(id, corr string, sec int, text string) model.Message {
	return model.Message{ID: id, CorrelationID: corr, RoomID: "r", SenderID: "bob", Content: model.Content{Text: text}, Status: model.StatusSaved, CreatedAt: at(sec)}
}

func keys(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

// checkInvariants: нет двух записей с одним id или correlation id, CreatedAt не убывает.
func checkInvariants(t *testing.T, l *Log) {
	t.Helper()
	ids := map[string]bool{}
	corrs := map[string]bool{}
	msgs := l.Messages()
	for i, m := range msgs {
		if m.ID != "" {
			require.False(t, ids[m.ID], "duplicate id %s", m.ID)
			ids[m.ID] = true
		}
		if m.CorrelationID != "" {
			require.False(t, corrs[m.CorrelationID], "duplicate correlation id %s", m.CorrelationID)
			corrs[m.CorrelationID] = true
		}
		if i > 0 {
			require.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt), "order broken at %d", i)
		}
	}
	require.Equal(t, len(ids), len(l.byID))
	require.Equal(t, len(corrs), len(l.byCorr))
}

func TestUpsert_OrderAndTieBreak(t *testing.T) {
	l := New()
	l.Upsert(saved("m3", "", 3, "c"))
	l.Upsert(saved("m1", "", 1, "a"))
	l.Upsert(saved("m2a", "", 2, "b1"))
	l.Upsert(saved("m2b", "", 2, "b2"))
	assert.Equal(t, []string{"m1", "m2a", "m2b", "m3"}, keys(l.Messages()))
	checkInvariants(t, l)
}

func TestUpsert_EchoMergesIntoLocal(t *testing.T) {
	l := New()
	_, inserted := l.Upsert(local("c1", 5, "hi"))
	assert.True(t, inserted)

	echo := saved("m1", "c1", 6, "hi")
	echo.SenderID = "alice"
	got, inserted := l.Upsert(echo)
	assert.False(t, inserted)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, model.StatusSaved, got.Status)
	assert.Equal(t, at(6), got.CreatedAt)
	assert.Equal(t, 1, l.Len())

	byCorr, ok := l.Get("c1")
	require.True(t, ok)
	byID, ok := l.Get("m1")
	require.True(t, ok)
	assert.Equal(t, byCorr, byID)
	checkInvariants(t, l)
}

func TestUpsert_StatusNeverRegresses(t *testing.T) {
	l := New()
	l.Upsert(saved("m1", "c1", 1, "x"))
	got, _ := l.Upsert(local("c1", 1, "x"))
	assert.Equal(t, model.StatusSaved, got.Status)
}

func TestUpsert_ReadByIsUnion(t *testing.T) {
	l := New()
	m := saved("m1", "", 1, "x")
	m.ReadBy = model.NewUserSet("a", "b")
	l.Upsert(m)
	m.ReadBy = model.NewUserSet("c")
	got, _ := l.Upsert(m)
	assert.Equal(t, model.NewUserSet("a", "b", "c"), got.ReadBy)
}

func TestUpsert_CollapsesSplitIdentities(t *testing.T) {
	l := New()
	l.Upsert(local("c1", 1, "hi"))
	// Серверная копия без correlation id пришла отдельно.
	l.Upsert(saved("m1", "", 2, "hi"))
	assert.Equal(t, 2, l.Len())

	got, inserted := l.Upsert(saved("m1", "c1", 2, "hi"))
	assert.False(t, inserted)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "c1", got.CorrelationID)
	checkInvariants(t, l)
}

func TestAssignID(t *testing.T) {
	l := New()
	l.Upsert(local("c1", 1, "hi"))
	got, ok := l.AssignID("c1", "m1")
	require.True(t, ok)
	assert.Equal(t, "m1", got.ID)
	assert.True(t, l.Has("m1"))
	assert.True(t, l.Has("c1"))

	_, ok = l.AssignID("missing", "m9")
	assert.False(t, ok)
	checkInvariants(t, l)
}

func TestAssignID_CollapsesWithEcho(t *testing.T) {
	l := New()
	l.Upsert(local("c1", 1, "hi"))
	l.Upsert(saved("m1", "", 1, "hi"))
	_, ok := l.AssignID("c1", "m1")
	require.True(t, ok)
	assert.Equal(t, 1, l.Len())
	checkInvariants(t, l)
}

func TestUpdate_ResortsOnCreatedAt(t *testing.T) {
	l := New()
	l.Upsert(saved("m1", "", 1, "a"))
	l.Upsert(saved("m2", "", 2, "b"))
	l.Update("m1", func(m *model.Message) { m.CreatedAt = at(3) })
	assert.Equal(t, []string{"m2", "m1"}, keys(l.Messages()))

	_, ok := l.Update("nope", func(*model.Message) {})
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	l := New()
	l.Upsert(saved("m1", "c1", 1, "a"))
	l.Upsert(saved("m2", "", 2, "b"))
	_, ok := l.Remove("c1")
	require.True(t, ok)
	assert.False(t, l.Has("m1"))
	assert.Equal(t, []string{"m2"}, keys(l.Messages()))
	checkInvariants(t, l)
}

func TestOldestNewestPersisted(t *testing.T) {
	l := New()
	_, ok := l.OldestPersisted()
	assert.False(t, ok)

	l.Upsert(local("c0", 0, "pending"))
	l.Upsert(saved("m1", "", 1, "a"))
	l.Upsert(saved("m2", "", 2, "b"))
	l.Upsert(local("c3", 3, "pending"))

	o, _ := l.OldestPersisted()
	n, _ := l.NewestPersisted()
	assert.Equal(t, "m1", o.ID)
	assert.Equal(t, "m2", n.ID)
}

func TestMessages_ReturnsCopies(t *testing.T) {
	l := New()
	m := saved("m1", "", 1, "a")
	m.ReadBy = model.NewUserSet("x")
	l.Upsert(m)
	msgs := l.Messages()
	msgs[0].ReadBy[0] = "mutated"
	got, _ := l.Get("m1")
	assert.Equal(t, model.NewUserSet("x"), got.ReadBy)
}

func TestBeforeBatchOverlapDedup(t *testing.T) {
	l := New()
	for i := 10; i <= 20; i++ {
		l.Upsert(saved(fmt.Sprintf("m%02d", i), "", i, "x"))
	}
	for i := 5; i <= 12; i++ {
		l.Upsert(saved(fmt.Sprintf("m%02d", i), "", i, "x"))
	}
	assert.Equal(t, 16, l.Len())
	msgs := l.Messages()
	assert.Equal(t, "m05", msgs[0].ID)
	assert.Equal(t, "m20", msgs[15].ID)
	checkInvariants(t, l)
}

func TestRandomSequencesKeepIdentityUnique(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		l := New()
		for step := 0; step < 200; step++ {
			n := r.Intn(20)
			id := fmt.Sprintf("m%d", n)
			corr := fmt.Sprintf("c%d", n)
			switch r.Intn(5) {
			case 0:
				l.Upsert(local(corr, r.Intn(50), "t"))
			case 1:
				l.Upsert(saved(id, corr, r.Intn(50), "t"))
			case 2:
				l.Upsert(saved(id, "", r.Intn(50), "t"))
			case 3:
				l.AssignID(corr, id)
			case 4:
				if r.Intn(4) == 0 {
					l.Remove(id)
				}
			}
			checkInvariants(t, l)
		}
	}
}
