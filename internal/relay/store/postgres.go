package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres — хранилище на pgx. Порядок сообщений: created_at, затем seq вставки.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate применяет встроенные миграции по порядку имён.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("store.Migrate: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("store.Migrate read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("store.Migrate run %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied (%d)", len(names))
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

const messageColumns = `id, COALESCE(correlation_id, ''), room_id, sender_id, sender_name, content, read_by, created_at, edited_at, seq`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (model.Message, int64, error) {
	var (
		m      model.Message
		readBy []string
		seq    int64
	)
	if err := row.Scan(&m.ID, &m.CorrelationID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &readBy, &m.CreatedAt, &m.EditedAt, &seq); err != nil {
		return model.Message{}, 0, err
	}
	m.Status = model.StatusSaved
	m.ReadBy = model.NewUserSet(readBy...)
	return m, seq, nil
}

func (s *Postgres) Save(ctx context.Context, m model.Message) (model.Message, error) {
	defer logger.DeferLogDuration("store.Save", time.Now())()
	var corr *string
	if m.CorrelationID != "" {
		corr = &m.CorrelationID
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, correlation_id, room_id, sender_id, sender_name, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (correlation_id) DO NOTHING`,
		m.ID, corr, m.RoomID, m.SenderID, m.SenderName, m.Content, m.CreatedAt.UTC(),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("store.Save: %w", err)
	}
	if tag.RowsAffected() == 0 && corr != nil {
		row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE correlation_id = $1`, *corr)
		out, _, err := scanMessage(row)
		if err != nil {
			return model.Message{}, fmt.Errorf("store.Save existing: %w", err)
		}
		return s.withReactions(ctx, out)
	}
	out := m.Clone()
	out.Status = model.StatusSaved
	out.CreatedAt = m.CreatedAt.UTC()
	return out, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (model.Message, error) {
	defer logger.DeferLogDuration("store.Get", time.Now())()
	m, _, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("store.Get: %w", err)
	}
	return s.withReactions(ctx, m)
}

func (s *Postgres) History(ctx context.Context, roomID string, dir model.Direction, pivotID string, limit int) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("store.History", time.Now())()
	if limit <= 0 {
		limit = 20
	}
	var (
		query string
		args  []any
		asc   bool
	)
	switch dir {
	case model.DirectionBefore, model.DirectionAfter:
		var (
			at  time.Time
			seq int64
		)
		err := s.pool.QueryRow(ctx, `SELECT created_at, seq FROM chat_messages WHERE id = $1 AND room_id = $2`, pivotID, roomID).Scan(&at, &seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("store.History pivot: %w", err)
		}
		if dir == model.DirectionBefore {
			query = `SELECT ` + messageColumns + ` FROM chat_messages
			 WHERE room_id = $1 AND (created_at, seq) < ($2, $3)
			 ORDER BY created_at DESC, seq DESC LIMIT $4`
		} else {
			asc = true
			query = `SELECT ` + messageColumns + ` FROM chat_messages
			 WHERE room_id = $1 AND (created_at, seq) > ($2, $3)
			 ORDER BY created_at, seq LIMIT $4`
		}
		args = []any{roomID, at, seq, limit + 1}
	default:
		query = `SELECT ` + messageColumns + ` FROM chat_messages
		 WHERE room_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`
		args = []any{roomID, limit + 1}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("store.History query: %w", err)
	}
	defer rows.Close()
	out := make([]model.Message, 0, limit+1)
	for rows.Next() {
		m, _, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("store.History scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store.History rows: %w", err)
	}
	more := len(out) > limit
	if more {
		out = out[:limit]
	}
	if !asc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if err := s.attachReactions(ctx, out); err != nil {
		return nil, false, err
	}
	return out, more, nil
}

func (s *Postgres) Edit(ctx context.Context, id, userID, text string, at time.Time) (model.Message, error) {
	defer logger.DeferLogDuration("store.Edit", time.Now())()
	m, err := s.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.SenderID != userID {
		return model.Message{}, ErrForbidden
	}
	m.Content.Text = text
	m.Content.Edited = true
	at = at.UTC()
	m.EditedAt = &at
	if _, err := s.pool.Exec(ctx, `UPDATE chat_messages SET content = $2, edited_at = $3 WHERE id = $1`, id, m.Content, at); err != nil {
		return model.Message{}, fmt.Errorf("store.Edit: %w", err)
	}
	return m, nil
}

func (s *Postgres) Delete(ctx context.Context, id, userID string) (model.Message, error) {
	defer logger.DeferLogDuration("store.Delete", time.Now())()
	m, err := s.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.SenderID != userID {
		return model.Message{}, ErrForbidden
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE id = $1`, id); err != nil {
		return model.Message{}, fmt.Errorf("store.Delete: %w", err)
	}
	return m, nil
}

func (s *Postgres) ToggleReaction(ctx context.Context, messageID, userID, reactionType string) (model.Reactions, error) {
	defer logger.DeferLogDuration("store.ToggleReaction", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store.ToggleReaction begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("store.ToggleReaction: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	tag, err := tx.Exec(ctx, `DELETE FROM chat_reactions WHERE message_id = $1 AND user_id = $2 AND type = $3`, messageID, userID, reactionType)
	if err != nil {
		return nil, fmt.Errorf("store.ToggleReaction delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx, `INSERT INTO chat_reactions (message_id, user_id, type) VALUES ($1, $2, $3)`, messageID, userID, reactionType); err != nil {
			return nil, fmt.Errorf("store.ToggleReaction insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store.ToggleReaction commit: %w", err)
	}
	byMsg, err := s.reactions(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return byMsg[messageID], nil
}

func (s *Postgres) MarkRead(ctx context.Context, roomID, userID string, ids []string) ([]string, error) {
	defer logger.DeferLogDuration("store.MarkRead", time.Now())()
	if ids == nil {
		ids = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE chat_messages SET read_by = array_append(read_by, $2)
		 WHERE room_id = $1 AND sender_id <> $2 AND NOT ($2 = ANY(read_by))
		   AND (cardinality($3::text[]) = 0 OR id = ANY($3))
		 RETURNING id`, roomID, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("store.MarkRead: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store.MarkRead rows: %w", err)
	}
	return changed, nil
}

func (s *Postgres) Pin(ctx context.Context, roomID, messageID, userID string, at time.Time) (model.PinnedMessage, error) {
	defer logger.DeferLogDuration("store.Pin", time.Now())()
	at = at.UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_pins (room_id, message_id, pinned_by, pinned_at)
		 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM chat_messages WHERE id = $2 AND room_id = $1)
		 ON CONFLICT (room_id) DO UPDATE SET message_id = EXCLUDED.message_id, pinned_by = EXCLUDED.pinned_by, pinned_at = EXCLUDED.pinned_at`,
		roomID, messageID, userID, at)
	if err != nil {
		return model.PinnedMessage{}, fmt.Errorf("store.Pin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.PinnedMessage{}, ErrNotFound
	}
	return model.PinnedMessage{RoomID: roomID, MessageID: messageID, PinnedBy: userID, PinnedAt: at}, nil
}

func (s *Postgres) Unpin(ctx context.Context, roomID, messageID string) (bool, error) {
	defer logger.DeferLogDuration("store.Unpin", time.Now())()
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_pins WHERE room_id = $1 AND message_id = $2`, roomID, messageID)
	if err != nil {
		return false, fmt.Errorf("store.Unpin: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) Pinned(ctx context.Context, roomID string) (*model.PinnedMessage, error) {
	p := &model.PinnedMessage{RoomID: roomID}
	err := s.pool.QueryRow(ctx, `SELECT message_id, pinned_by, pinned_at FROM chat_pins WHERE room_id = $1`, roomID).
		Scan(&p.MessageID, &p.PinnedBy, &p.PinnedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Pinned: %w", err)
	}
	return p, nil
}

func (s *Postgres) withReactions(ctx context.Context, m model.Message) (model.Message, error) {
	byMsg, err := s.reactions(ctx, []string{m.ID})
	if err != nil {
		return model.Message{}, err
	}
	m.Reactions = byMsg[m.ID]
	return m, nil
}

func (s *Postgres) attachReactions(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	byMsg, err := s.reactions(ctx, ids)
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].Reactions = byMsg[msgs[i].ID]
	}
	return nil
}

func (s *Postgres) reactions(ctx context.Context, ids []string) (map[string]model.Reactions, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, type, user_id FROM chat_reactions WHERE message_id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("store.reactions query: %w", err)
	}
	defer rows.Close()
	out := make(map[string]model.Reactions)
	for rows.Next() {
		var id, typ, user string
		if err := rows.Scan(&id, &typ, &user); err != nil {
			return nil, fmt.Errorf("store.reactions scan: %w", err)
		}
		if out[id] == nil {
			out[id] = make(model.Reactions)
		}
		out[id][typ] = out[id][typ].With(user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.reactions rows: %w", err)
	}
	return out, nil
}
