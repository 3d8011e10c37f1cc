package model

import (
	"sort"
	"time"
)

// Session — то, что провайдер сессии отдаёт движку при входе в комнату.
type Session struct {
	RoomID    string
	UserID    string
	Username  string
	AuthToken string
}

// DeliveryRecord — статус доставки, коррелированный по correlation id.
// Может прийти раньше, чем сообщение появится в логе.
type DeliveryRecord struct {
	CorrelationID string    `json:"correlation_id"`
	RoomID        string    `json:"room_id,omitempty"`
	Status        Status    `json:"status"`
	PersistedID   string    `json:"persisted_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Reason        string    `json:"reason,omitempty"`
}

type Direction string

const (
	DirectionInitial Direction = "INITIAL"
	DirectionBefore  Direction = "BEFORE"
	DirectionAfter   Direction = "AFTER"
)

func (d Direction) Valid() bool {
	return d == DirectionInitial || d == DirectionBefore || d == DirectionAfter
}

// SyncCursor — состояние пагинации комнаты. Меняется только координатором синхронизации.
type SyncCursor struct {
	OldestLoadedID string `json:"oldest_loaded_id,omitempty"`
	NewestLoadedID string `json:"newest_loaded_id,omitempty"`
	HasMoreBefore  bool   `json:"has_more_before"`
}

// TypingEntry — пользователь печатает до ExpiresAt.
type TypingEntry struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TypingSet — снапшот печатающих пользователей комнаты.
type TypingSet map[string]TypingEntry

// Users возвращает id печатающих, отсортированные.
func (t TypingSet) Users() []string {
	out := make([]string, 0, len(t))
	for id := range t {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PinnedMessage — закреплённое сообщение.
type PinnedMessage struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	PinnedBy  string    `json:"pinned_by,omitempty"`
	PinnedAt  time.Time `json:"pinned_at"`
}

// PinnedSet — закрепы комнаты: не более одного, последний закреп побеждает.
type PinnedSet struct {
	Pin *PinnedMessage `json:"pin,omitempty"`
}

func (p PinnedSet) Len() int {
	if p.Pin == nil {
		return 0
	}
	return 1
}

func (p PinnedSet) MessageID() string {
	if p.Pin == nil {
		return ""
	}
	return p.Pin.MessageID
}

func (p PinnedSet) Has(messageID string) bool {
	return p.Pin != nil && p.Pin.MessageID == messageID
}

func (p PinnedSet) Clone() PinnedSet {
	if p.Pin == nil {
		return PinnedSet{}
	}
	pin := *p.Pin
	return PinnedSet{Pin: &pin}
}
