package model

import (
	"encoding/json"
	"sort"
	"time"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
	ContentTypeVoice ContentType = "voice"
)

// Status — состояние доставки сообщения. Начальное SENDING, терминальные SAVED и FAILED.
type Status string

const (
	StatusSending      Status = "SENDING"
	StatusSentToBroker Status = "SENT_TO_BROKER"
	StatusProcessing   Status = "PROCESSING"
	StatusSaved        Status = "SAVED"
	StatusFailed       Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSentToBroker, StatusProcessing, StatusSaved, StatusFailed:
		return true
	}
	return false
}

// Terminal — SAVED и FAILED больше не меняются обычными переходами.
func (s Status) Terminal() bool {
	return s == StatusSaved || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSentToBroker:
		return 1
	case StatusProcessing:
		return 2
	case StatusSaved, StatusFailed:
		return 3
	}
	return -1
}

// CanTransition сообщает, допустим ли переход from -> to.
// Переходы только вперёд: SENDING -> SENT_TO_BROKER -> PROCESSING -> SAVED,
// SENDING -> SAVED напрямую, любой нетерминальный -> FAILED.
func CanTransition(from, to Status) bool {
	if !to.Valid() || from == to || from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusSaved {
		return true
	}
	return to.rank() > from.rank()
}

// MergeStatus объединяет два известных статуса одного сообщения.
// SAVED побеждает всегда: сервер подтвердил запись.
func MergeStatus(a, b Status) Status {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case a == StatusSaved || b == StatusSaved:
		return StatusSaved
	case a == StatusFailed || b == StatusFailed:
		return StatusFailed
	case b.rank() > a.rank():
		return b
	}
	return a
}

// Attachment — вложение (файл, изображение, голосовое).
type Attachment struct {
	URL         string      `json:"url"`
	Name        string      `json:"name,omitempty"`
	Size        int64       `json:"size,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`
}

// Content — текст и структурные флаги сообщения.
type Content struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Edited     bool        `json:"edited,omitempty"`
	Deleted    bool        `json:"deleted,omitempty"`
}

func (c Content) Empty() bool {
	return c.Text == "" && c.Attachment == nil
}

// Message — одно сообщение комнаты.
// ID назначает сервер после записи; CorrelationID создаёт клиент при отправке.
// Обе идентичности указывают на одну запись в MessageLog.
type Message struct {
	ID            string     `json:"id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	RoomID        string     `json:"room_id"`
	SenderID      string     `json:"sender_id"`
	SenderName    string     `json:"sender_name,omitempty"`
	Content       Content    `json:"content"`
	Status        Status     `json:"status"`
	ReadBy        UserSet    `json:"read_by,omitempty"`
	Reactions     Reactions  `json:"reactions,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
}

// Persisted — сообщение уже записано сервером.
func (m *Message) Persisted() bool { return m.ID != "" }

// Key возвращает устойчивый ключ: id, а до записи — correlation id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// Clone делает глубокую копию для отдачи наружу (снапшоты, колбэки).
func (m Message) Clone() Message {
	out := m
	if m.Content.Attachment != nil {
		a := *m.Content.Attachment
		out.Content.Attachment = &a
	}
	if m.ReadBy != nil {
		out.ReadBy = append(UserSet(nil), m.ReadBy...)
	}
	out.Reactions = m.Reactions.Clone()
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// Tombstone — копия удалённого сообщения для уведомления UI.
func (m Message) Tombstone() Message {
	out := m.Clone()
	out.Content = Content{Deleted: true}
	return out
}

// UserSet — отсортированное множество user id без повторов.
type UserSet []string

func (s UserSet) Has(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// With возвращает новое множество с добавленным id.
func (s UserSet) With(id string) UserSet {
	if s.Has(id) {
		return s
	}
	out := make(UserSet, 0, len(s)+1)
	out = append(out, s...)
	out = append(out, id)
	sort.Strings(out)
	return out
}

// Without возвращает новое множество без id.
func (s UserSet) Without(id string) UserSet {
	if !s.Has(id) {
		return s
	}
	out := make(UserSet, 0, len(s)-1)
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Union — объединение множеств; никогда не теряет элементы s.
func (s UserSet) Union(other []string) UserSet {
	if len(other) == 0 {
		return s
	}
	seen := make(map[string]struct{}, len(s)+len(other))
	out := make(UserSet, 0, len(s)+len(other))
	for _, v := range s {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range other {
		if _, ok := seen[v]; !ok && v != "" {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func NewUserSet(ids ...string) UserSet {
	return UserSet(nil).Union(ids)
}

// UnmarshalJSON нормализует список с провода: порядок отправителя не гарантирован.
func (s *UserSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}
