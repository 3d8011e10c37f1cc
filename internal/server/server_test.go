package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/relay/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type relayFixture struct {
	ts    *httptest.Server
	store *store.Memory
	cfg   config.RelayConfig
}

func newRelay(t *testing.T, mutate ...func(*config.RelayConfig)) *relayFixture {
	t.Helper()
	cfg := config.Default().Relay
	for _, m := range mutate {
		m(&cfg)
	}
	st := store.NewMemory()
	srv := New(cfg, st, store.NewLocalBus(), nil)
	srv.Start(context.Background())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return &relayFixture{ts: ts, store: st, cfg: cfg}
}

func (f *relayFixture) seed(t *testing.T, room string, n int) []model.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour).UTC()
	out := make([]model.Message, 0, n)
	for i := 1; i <= n; i++ {
		m, err := f.store.Save(context.Background(), model.Message{
			ID:            fmt.Sprintf("%s-m%02d", room, i),
			CorrelationID: fmt.Sprintf("%s-c%02d", room, i),
			RoomID:        room,
			SenderID:      "carol",
			Content:       model.Content{Text: fmt.Sprintf("old %d", i)},
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// wsConn — сырое подключение для проверки протокола.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *relayFixture) dial(t *testing.T, room, user string) *wsConn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?room_id=" + room + "&user_id=" + user
	h := http.Header{}
	h.Set("Authorization", "Bearer dev")
	conn, resp, err := websocket.DefaultDialer.Dial(u, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(ch model.Channel, payload any) {
	f, err := model.NewFrame(ch, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(f))
}

// next читает кадры до первого из нужного канала.
func (c *wsConn) next(ch model.Channel, into any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var f model.Frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.Type == ch {
			require.NoError(c.t, json.Unmarshal(f.Payload, into))
			return
		}
	}
}

func TestSendStatusesInOrder(t *testing.T) {
	f := newRelay(t)
	alice := f.dial(t, "r1", "alice")
	bob := f.dial(t, "r1", "bob")

	alice.send(model.ChannelMessageSend, model.SendPayload{
		RoomID: "r1", UserID: "spoofed", CorrelationID: "c1", Content: model.Content{Text: "hi"},
	})

	var got []model.Status
	var saved model.DeliveryRecord
	for len(got) < 3 {
		var rec model.DeliveryRecord
		alice.next(model.ChannelMessageStatus, &rec)
		assert.Equal(t, "c1", rec.CorrelationID)
		got = append(got, rec.Status)
		saved = rec
	}
	assert.Equal(t, []model.Status{model.StatusSentToBroker, model.StatusProcessing, model.StatusSaved}, got)
	require.NotEmpty(t, saved.PersistedID)

	var m model.Message
	bob.next(model.ChannelMessageNew, &m)
	assert.Equal(t, saved.PersistedID, m.ID)
	assert.Equal(t, "alice", m.SenderID, "sender comes from the connection")
	assert.Equal(t, model.StatusSaved, m.Status)
}

func TestSendValidation(t *testing.T) {
	f := newRelay(t, func(c *config.RelayConfig) { c.MaxMessageSize = 8 })
	alice := f.dial(t, "r1", "alice")

	cases := map[string]model.SendPayload{
		"empty message":     {CorrelationID: "c1"},
		"message too large": {CorrelationID: "c2", Content: model.Content{Text: "way too long"}},
		"room mismatch":     {CorrelationID: "c3", RoomID: "r2", Content: model.Content{Text: "x"}},
	}
	for reason, p := range cases {
		alice.send(model.ChannelMessageSend, p)
		var rec model.DeliveryRecord
		alice.next(model.ChannelMessageStatus, &rec)
		assert.Equal(t, p.CorrelationID, rec.CorrelationID)
		assert.Equal(t, model.StatusFailed, rec.Status)
		assert.Equal(t, reason, rec.Reason)
	}

	alice.send(model.ChannelMessageSend, model.SendPayload{Content: model.Content{Text: "x"}})
	var e model.ErrorPayload
	alice.next(model.ChannelError, &e)
	assert.Equal(t, "correlation_id required", e.Reason)

	alice.send("bogus", struct{}{})
	alice.next(model.ChannelError, &e)
	assert.Equal(t, "unknown channel bogus", e.Reason)
}

func TestSyncRequestOverSocket(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 12)
	alice := f.dial(t, "r1", "alice")

	alice.send(model.ChannelSyncRequest, model.SyncRequest{RequestID: "q1", Direction: model.DirectionInitial, Limit: 5})
	var b model.SyncBatch
	alice.next(model.ChannelSyncBatch, &b)
	assert.Equal(t, "q1", b.RequestID)
	assert.True(t, b.HasMore)
	require.Len(t, b.Messages, 5)
	assert.Equal(t, msgs[7].ID, b.Messages[0].ID)

	alice.send(model.ChannelSyncRequest, model.SyncRequest{RequestID: "q2", Direction: model.DirectionBefore, PivotID: "nope", Limit: 5})
	alice.next(model.ChannelSyncBatch, &b)
	assert.Equal(t, "q2", b.RequestID)
	assert.Empty(t, b.Messages)
	var e model.ErrorPayload
	alice.next(model.ChannelError, &e)
	assert.Equal(t, "message not found", e.Reason)
}

func TestEditDeleteOwnOnly(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 1)
	alice := f.dial(t, "r1", "alice")
	carol := f.dial(t, "r1", "carol")

	alice.send(model.ChannelMessageEdit, model.EditPayload{MessageID: msgs[0].ID, Text: "hijack"})
	var e model.ErrorPayload
	alice.next(model.ChannelError, &e)
	assert.Equal(t, "can only edit own messages", e.Reason)

	carol.send(model.ChannelMessageEdit, model.EditPayload{MessageID: msgs[0].ID, Text: "fixed"})
	var m model.Message
	alice.next(model.ChannelMessageUpdated, &m)
	assert.Equal(t, "fixed", m.Content.Text)
	assert.True(t, m.Content.Edited)

	carol.send(model.ChannelMessageDelete, model.DeletePayload{MessageID: msgs[0].ID})
	var d model.DeletedPayload
	alice.next(model.ChannelMessageDeleted, &d)
	assert.Equal(t, msgs[0].ID, d.MessageID)
}

func TestPinSentOnJoinAndPresenceOnLeave(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 2)
	_, err := f.store.Pin(context.Background(), "r1", msgs[1].ID, "carol", time.Now())
	require.NoError(t, err)

	alice := f.dial(t, "r1", "alice")
	var p model.PinPayload
	alice.next(model.ChannelPin, &p)
	assert.Equal(t, msgs[1].ID, p.MessageID)

	bob := f.dial(t, "r1", "bob")
	bob.next(model.ChannelPin, &p)
	bob.conn.Close()

	var pres model.PresencePayload
	alice.next(model.ChannelPresence, &pres)
	assert.Equal(t, "bob", pres.UserID)
	assert.False(t, pres.Active)
}

func TestRESTRequiresAuth(t *testing.T) {
	f := newRelay(t, func(c *config.RelayConfig) { c.JWTSecret = "s3cret" })
	f.seed(t, "r1", 1)

	resp, err := http.Get(f.ts.URL + "/api/rooms/r1/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := middleware.IssueToken("s3cret", "alice", "", time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/rooms/r1/messages?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b model.SyncBatch
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.Len(t, b.Messages, 1)

	resp, err = http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRESTPinBroadcasts(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 1)
	bob := f.dial(t, "r1", "bob")

	body, _ := json.Marshal(map[string]string{"message_id": msgs[0].ID})
	req, _ := http.NewRequest(http.MethodPut, f.ts.URL+"/api/rooms/r1/pin", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer dev")
	req.Header.Set("X-User-Id", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var p model.PinPayload
	bob.next(model.ChannelPin, &p)
	assert.Equal(t, msgs[0].ID, p.MessageID)
	assert.Equal(t, "alice", p.PinnedBy)

	body, _ = json.Marshal(map[string]string{"message_id": "missing"})
	req, _ = http.NewRequest(http.MethodPut, f.ts.URL+"/api/rooms/r1/pin", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer dev")
	req.Header.Set("X-User-Id", "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// recorder собирает колбэки движка.
type recorder struct {
	mu       sync.Mutex
	statuses map[string][]model.Status
	pins     []model.PinnedSet
	presence map[string]bool
}

func newRecorder() *recorder {
	return &recorder{statuses: map[string][]model.Status{}, presence: map[string]bool{}}
}

func (r *recorder) callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnMessageStatus: func(rec model.DeliveryRecord) {
			r.mu.Lock()
			r.statuses[rec.CorrelationID] = append(r.statuses[rec.CorrelationID], rec.Status)
			r.mu.Unlock()
		},
		OnPinChange: func(p model.PinnedSet) {
			r.mu.Lock()
			r.pins = append(r.pins, p)
			r.mu.Unlock()
		},
		OnPresenceChange: func(user string, active bool) {
			r.mu.Lock()
			r.presence[user] = active
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastStatus(corr string) model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statuses[corr]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func (f *relayFixture) open(t *testing.T, room, user string, cb engine.Callbacks, pageSize int) *engine.Session {
	t.Helper()
	cfg := config.Default().Engine
	cfg.ServerURL = f.ts.URL
	cfg.APIURL = f.ts.URL
	if pageSize > 0 {
		cfg.InitialPageSize = pageSize
		cfg.PageSize = pageSize
	}
	s, err := engine.Open(context.Background(), model.Session{
		RoomID: room, UserID: user, Username: strings.ToUpper(user[:1]) + user[1:], AuthToken: "dev",
	}, cb, engine.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func findText(msgs []model.Message, text string) (model.Message, bool) {
	for _, m := range msgs {
		if m.Content.Text == text {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestEngineSendAndReceive(t *testing.T) {
	f := newRelay(t)
	rec := newRecorder()
	alice := f.open(t, "r1", "alice", rec.callbacks(), 0)
	bob := f.open(t, "r1", "bob", engine.Callbacks{}, 0)

	sent, err := alice.SendMessage("  hello bob  ")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", sent.Content.Text)
	assert.Equal(t, model.StatusSending, sent.Status)

	require.Eventually(t, func() bool {
		m, ok := alice.Message(sent.CorrelationID)
		return ok && m.Status == model.StatusSaved && m.ID != ""
	}, waitFor, tick)
	assert.Equal(t, model.StatusSaved, rec.lastStatus(sent.CorrelationID))

	require.Eventually(t, func() bool {
		m, ok := findText(bob.Messages(), "hello bob")
		return ok && m.SenderID == "alice"
	}, waitFor, tick)

	mine := 0
	for _, m := range alice.Messages() {
		if m.Content.Text == "hello bob" {
			mine++
		}
	}
	assert.Equal(t, 1, mine, "echo merges with the optimistic entry")

	_, err = alice.SendMessage("   ")
	assert.ErrorIs(t, err, engine.ErrEmptyMessage)
}

func TestEngineHistoryPaging(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 25)
	alice := f.open(t, "r1", "alice", engine.Callbacks{}, 10)

	require.Eventually(t, func() bool { return len(alice.Messages()) == 10 }, waitFor, tick)
	cur := alice.Cursor()
	assert.True(t, cur.HasMoreBefore)
	assert.Equal(t, msgs[15].ID, cur.OldestLoadedID)
	assert.Equal(t, msgs[24].ID, cur.NewestLoadedID)

	require.True(t, alice.RequestOlderMessages())
	require.Eventually(t, func() bool { return len(alice.Messages()) == 20 }, waitFor, tick)

	require.Eventually(t, func() bool { return alice.RequestOlderMessages() }, waitFor, tick)
	require.Eventually(t, func() bool { return len(alice.Messages()) == 25 }, waitFor, tick)
	assert.False(t, alice.Cursor().HasMoreBefore)
	assert.Equal(t, msgs[0].ID, alice.Messages()[0].ID)
}

func TestEnginePinReactionEditDelete(t *testing.T) {
	f := newRelay(t)
	rec := newRecorder()
	alice := f.open(t, "r1", "alice", engine.Callbacks{}, 0)
	bob := f.open(t, "r1", "bob", rec.callbacks(), 0)

	sent, err := alice.SendMessage("pin me")
	require.NoError(t, err)
	var id string
	require.Eventually(t, func() bool {
		m, ok := alice.Message(sent.CorrelationID)
		id = m.ID
		return ok && m.Persisted()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		_, ok := bob.Message(id)
		return ok
	}, waitFor, tick)

	require.NoError(t, alice.PinMessage(id))
	assert.True(t, alice.Pinned().Has(id), "pin is optimistic")
	require.Eventually(t, func() bool { return bob.Pinned().Has(id) }, waitFor, tick)

	require.NoError(t, bob.ToggleReaction(id, "like"))
	require.Eventually(t, func() bool {
		m, _ := alice.Message(id)
		return m.Reactions.Has("like", "bob")
	}, waitFor, tick)

	require.NoError(t, alice.EditMessage(id, "edited"))
	require.Eventually(t, func() bool {
		m, _ := bob.Message(id)
		return m.Content.Text == "edited" && m.Content.Edited
	}, waitFor, tick)

	assert.ErrorIs(t, bob.EditMessage(id, "nope"), engine.ErrNotOwner)

	require.NoError(t, alice.DeleteMessage(id))
	require.Eventually(t, func() bool {
		m, ok := bob.Message(id)
		return !ok || m.Content.Deleted
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !bob.Pinned().Has(id) }, waitFor, tick)
}

func TestEngineTypingAndPresence(t *testing.T) {
	f := newRelay(t)
	rec := newRecorder()
	alice := f.open(t, "r1", "alice", engine.Callbacks{}, 0)
	bob := f.open(t, "r1", "bob", rec.callbacks(), 0)

	alice.SetTyping(true)
	require.Eventually(t, func() bool {
		_, ok := bob.Typing()["alice"]
		return ok
	}, waitFor, tick)
	assert.Empty(t, alice.Typing(), "own typing is not shown")

	alice.SetActive(true)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.presence["alice"]
	}, waitFor, tick)

	alice.Close()
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		active, seen := rec.presence["alice"]
		return seen && !active
	}, waitFor, tick)
}

func TestEngineReadReceipts(t *testing.T) {
	f := newRelay(t)
	msgs := f.seed(t, "r1", 3)
	alice := f.open(t, "r1", "alice", engine.Callbacks{}, 0)
	require.Eventually(t, func() bool { return len(alice.Messages()) == 3 }, waitFor, tick)

	require.NoError(t, alice.MarkAllRead())
	require.Eventually(t, func() bool {
		for _, m := range msgs {
			got, err := f.store.Get(context.Background(), m.ID)
			if err != nil || !got.ReadBy.Has("alice") {
				return false
			}
		}
		return true
	}, waitFor, tick)
	for _, m := range alice.Messages() {
		assert.True(t, m.ReadBy.Has("alice"))
	}
}
