package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s Store, room string, n int) []model.Message {
	t.Helper()
	out := make([]model.Message, 0, n)
	for i := 1; i <= n; i++ {
		m, err := s.Save(context.Background(), model.Message{
			ID:            fmt.Sprintf("%s-m%02d", room, i),
			CorrelationID: fmt.Sprintf("%s-c%02d", room, i),
			RoomID:        room,
			SenderID:      "bob",
			Content:       model.Content{Text: fmt.Sprintf("msg %d", i)},
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func ids(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func runSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("history pages with lookahead", func(t *testing.T) {
		s := newStore(t)
		msgs := seed(t, s, "r1", 25)

		page, more, err := s.History(ctx, "r1", model.DirectionInitial, "", 10)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Equal(t, ids(msgs[15:]), ids(page))

		page, more, err = s.History(ctx, "r1", model.DirectionBefore, msgs[15].ID, 10)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Equal(t, ids(msgs[5:15]), ids(page))

		page, more, err = s.History(ctx, "r1", model.DirectionBefore, msgs[5].ID, 10)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Equal(t, ids(msgs[:5]), ids(page))

		page, more, err = s.History(ctx, "r1", model.DirectionAfter, msgs[19].ID, 3)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Equal(t, ids(msgs[20:23]), ids(page))

		page, more, err = s.History(ctx, "r1", model.DirectionAfter, msgs[24].ID, 3)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Empty(t, page)

		_, _, err = s.History(ctx, "r1", model.DirectionBefore, "missing", 3)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save is idempotent by correlation id", func(t *testing.T) {
		s := newStore(t)
		first := seed(t, s, "r2", 1)[0]
		again, err := s.Save(ctx, model.Message{ID: "other", CorrelationID: first.CorrelationID, RoomID: "r2", SenderID: "bob", CreatedAt: base})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, model.StatusSaved, again.Status)
		_, err = s.Get(ctx, "other")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("edit and delete by owner only", func(t *testing.T) {
		s := newStore(t)
		m := seed(t, s, "r3", 2)[0]
		_, err := s.Edit(ctx, m.ID, "alice", "nope", base)
		assert.ErrorIs(t, err, ErrForbidden)

		edited, err := s.Edit(ctx, m.ID, "bob", "fixed", base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "fixed", edited.Content.Text)
		assert.True(t, edited.Content.Edited)
		require.NotNil(t, edited.EditedAt)

		_, err = s.Delete(ctx, m.ID, "alice")
		assert.ErrorIs(t, err, ErrForbidden)
		_, err = s.Delete(ctx, m.ID, "bob")
		require.NoError(t, err)
		_, err = s.Get(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		page, _, err := s.History(ctx, "r3", model.DirectionInitial, "", 10)
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})

	t.Run("reactions toggle", func(t *testing.T) {
		s := newStore(t)
		m := seed(t, s, "r4", 1)[0]
		r, err := s.ToggleReaction(ctx, m.ID, "alice", "like")
		require.NoError(t, err)
		assert.Equal(t, model.NewUserSet("alice"), r["like"])
		r, err = s.ToggleReaction(ctx, m.ID, "carol", "like")
		require.NoError(t, err)
		assert.Equal(t, model.NewUserSet("alice", "carol"), r["like"])
		r, err = s.ToggleReaction(ctx, m.ID, "alice", "like")
		require.NoError(t, err)
		assert.Equal(t, model.NewUserSet("carol"), r["like"])

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, got.Reactions.Has("like", "carol"))

		_, err = s.ToggleReaction(ctx, "missing", "alice", "like")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("read receipts merge", func(t *testing.T) {
		s := newStore(t)
		msgs := seed(t, s, "r5", 3)
		changed, err := s.MarkRead(ctx, "r5", "alice", []string{msgs[0].ID})
		require.NoError(t, err)
		assert.Equal(t, []string{msgs[0].ID}, changed)

		changed, err = s.MarkRead(ctx, "r5", "alice", nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{msgs[1].ID, msgs[2].ID}, changed)

		changed, err = s.MarkRead(ctx, "r5", "bob", nil)
		require.NoError(t, err)
		assert.Empty(t, changed, "own messages are never marked")

		got, err := s.Get(ctx, msgs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.NewUserSet("alice"), got.ReadBy)
	})

	t.Run("single pin per room", func(t *testing.T) {
		s := newStore(t)
		msgs := seed(t, s, "r6", 2)
		_, err := s.Pin(ctx, "r6", msgs[0].ID, "alice", base)
		require.NoError(t, err)
		_, err = s.Pin(ctx, "r6", msgs[1].ID, "carol", base.Add(time.Second))
		require.NoError(t, err)

		p, err := s.Pinned(ctx, "r6")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, msgs[1].ID, p.MessageID)
		assert.Equal(t, "carol", p.PinnedBy)

		ok, err := s.Unpin(ctx, "r6", msgs[0].ID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Unpin(ctx, "r6", msgs[1].ID)
		require.NoError(t, err)
		assert.True(t, ok)
		p, err = s.Pinned(ctx, "r6")
		require.NoError(t, err)
		assert.Nil(t, p)

		_, err = s.Pin(ctx, "other-room", msgs[0].ID, "alice", base)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemory(t *testing.T) {
	runSuite(t, func(*testing.T) Store { return NewMemory() })
}

// TestPostgres запускается при заданном CHATSYNC_TEST_DATABASE_URL.
func TestPostgres(t *testing.T) {
	url := os.Getenv("CHATSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))

	runSuite(t, func(t *testing.T) Store {
		_, err := pool.Exec(ctx, `TRUNCATE chat_pins, chat_reactions, chat_messages`)
		require.NoError(t, err)
		return NewPostgres(pool)
	})
}

func TestLocalBus(t *testing.T) {
	b := NewLocalBus()
	var got []string
	require.NoError(t, b.Subscribe(context.Background(), func(room string, f model.Frame) {
		got = append(got, room+":"+string(f.Type))
	}))
	f, err := model.NewFrame(model.ChannelTyping, model.TypingPayload{RoomID: "r1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "r1", f))
	assert.Equal(t, []string{"r1:typing"}, got)
}
