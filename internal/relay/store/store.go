// Package store — хранилища relay: сообщения, реакции, прочтения и закрепы комнат.
// Реализации: Memory (тесты, dev без БД) и Postgres (pgx).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatsync/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
)

// Store — персистентность relay. Все методы потокобезопасны.
type Store interface {
	// Save записывает сообщение. Повтор с тем же correlation id возвращает уже записанное.
	Save(ctx context.Context, m model.Message) (model.Message, error)
	Get(ctx context.Context, id string) (model.Message, error)
	// History — страница истории комнаты по возрастанию created_at и признак,
	// что в направлении запроса есть ещё сообщения.
	History(ctx context.Context, roomID string, dir model.Direction, pivotID string, limit int) ([]model.Message, bool, error)
	Edit(ctx context.Context, id, userID, text string, at time.Time) (model.Message, error)
	Delete(ctx context.Context, id, userID string) (model.Message, error)
	// ToggleReaction возвращает авторитетный список реакций сообщения.
	ToggleReaction(ctx context.Context, messageID, userID, reactionType string) (model.Reactions, error)
	// MarkRead отмечает прочтение; пустой ids — все сообщения комнаты от других.
	// Возвращает id, которые изменились.
	MarkRead(ctx context.Context, roomID, userID string, ids []string) ([]string, error)
	// Pin вытесняет прежний закреп комнаты.
	Pin(ctx context.Context, roomID, messageID, userID string, at time.Time) (model.PinnedMessage, error)
	// Unpin возвращает false, если сообщение не было закреплено.
	Unpin(ctx context.Context, roomID, messageID string) (bool, error)
	Pinned(ctx context.Context, roomID string) (*model.PinnedMessage, error)
	Close() error
}
