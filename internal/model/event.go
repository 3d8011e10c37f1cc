package model

import (
	"encoding/json"
	"time"
)

// Channel — имя канала в websocket-конверте.
type Channel string

// Исходящие (клиент -> relay).
const (
	ChannelMessageSend   Channel = "message.send"
	ChannelMessageEdit   Channel = "message.edit"
	ChannelMessageDelete Channel = "message.delete"
	ChannelSyncRequest   Channel = "sync.request"
)

// Входящие (relay -> клиент).
const (
	ChannelMessageNew     Channel = "message.new"
	ChannelMessageStatus  Channel = "message.status"
	ChannelMessageUpdated Channel = "message.updated"
	ChannelMessageDeleted Channel = "message.deleted"
	ChannelSyncBatch      Channel = "sync.batch"
	ChannelRead           Channel = "read"
	ChannelReaction       Channel = "reaction"
	ChannelPin            Channel = "pin"
	ChannelUnpin          Channel = "unpin"
	ChannelError          Channel = "error"
)

// Двунаправленные.
const (
	ChannelTyping   Channel = "typing"
	ChannelPresence Channel = "presence.active"
)

// Frame — конверт одного websocket-сообщения.
type Frame struct {
	Type    Channel         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame сериализует payload в конверт.
func NewFrame(ch Channel, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: ch, Payload: raw}, nil
}

// SendPayload — отправка нового сообщения.
type SendPayload struct {
	RoomID        string    `json:"room_id"`
	UserID        string    `json:"user_id"`
	CorrelationID string    `json:"correlation_id"`
	SenderName    string    `json:"sender_name,omitempty"`
	Content       Content   `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// EditPayload — редактирование своего сообщения.
type EditPayload struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeletePayload — запрос на удаление своего сообщения.
type DeletePayload struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

// DeletedPayload рассылается, когда сервер удалил сообщение.
type DeletedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// SyncRequest — запрос страницы истории.
type SyncRequest struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id"`
	Direction Direction `json:"direction"`
	PivotID   string    `json:"pivot_id,omitempty"`
	Limit     int       `json:"limit"`
}

// SyncBatch — ответ на SyncRequest.
type SyncBatch struct {
	RequestID string    `json:"request_id"`
	Direction Direction `json:"direction"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"has_more"`
}

// TypingPayload — индикатор набора текста.
type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// PresencePayload — активность пользователя в комнате.
type PresencePayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// ReadPayload — отметки о прочтении. All=true означает «всё в комнате».
type ReadPayload struct {
	RoomID     string   `json:"room_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids,omitempty"`
	All        bool     `json:"all,omitempty"`
}

// ReactionPayload — авторитетный список реакций сообщения после изменения.
type ReactionPayload struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id,omitempty"`
	Type      string    `json:"type,omitempty"`
	Reactions Reactions `json:"reactions"`
}

// PinPayload — закреп или открепление.
type PinPayload struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	PinnedBy  string    `json:"pinned_by,omitempty"`
	PinnedAt  time.Time `json:"pinned_at,omitempty"`
}

// ErrorPayload — ошибка уровня протокола.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
