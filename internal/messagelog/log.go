// Package messagelog — упорядоченное хранилище сообщений активной комнаты
// без дублей по id и correlation id.
package messagelog

import (
	"sort"

	"github.com/chatsync/internal/model"
)

type entry struct {
	msg model.Message
	seq uint64
}

// Log упорядочен по CreatedAt, при равенстве — по порядку вставки.
// Каждому id и каждому correlation id соответствует не более одной записи.
// Не потокобезопасен: принадлежит одной сессии комнаты.
type Log struct {
	entries []*entry
	byID    map[string]*entry
	byCorr  map[string]*entry
	seq     uint64
}

func New() *Log {
	return &Log{
		byID:   make(map[string]*entry),
		byCorr: make(map[string]*entry),
	}
}

func (l *Log) Len() int { return len(l.entries) }

// Reset удаляет все сообщения (выход из комнаты).
func (l *Log) Reset() {
	l.entries = nil
	l.byID = make(map[string]*entry)
	l.byCorr = make(map[string]*entry)
}

func (l *Log) lookup(key string) *entry {
	if key == "" {
		return nil
	}
	if e, ok := l.byID[key]; ok {
		return e
	}
	return l.byCorr[key]
}

// Get ищет сообщение по id, затем по correlation id.
func (l *Log) Get(key string) (model.Message, bool) {
	e := l.lookup(key)
	if e == nil {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

// Has — есть ли запись по id или correlation id.
func (l *Log) Has(key string) bool { return l.lookup(key) != nil }

// Upsert вставляет сообщение или сливает его с записью, найденной по любой из идентичностей.
// Если id и correlation id указывают на разные записи, они схлопываются в более раннюю.
// Возвращает итоговое состояние и true, если запись новая.
func (l *Log) Upsert(m model.Message) (model.Message, bool) {
	var eID, eCorr *entry
	if m.ID != "" {
		eID = l.byID[m.ID]
	}
	if m.CorrelationID != "" {
		eCorr = l.byCorr[m.CorrelationID]
	}

	switch {
	case eID == nil && eCorr == nil:
		l.seq++
		e := &entry{msg: m.Clone(), seq: l.seq}
		l.index(e)
		pos := sort.Search(len(l.entries), func(i int) bool {
			return l.entries[i].msg.CreatedAt.After(e.msg.CreatedAt)
		})
		l.insertAt(pos, e)
		return e.msg.Clone(), true
	case eID != nil && eCorr != nil && eID != eCorr:
		keep, drop := eID, eCorr
		if drop.seq < keep.seq {
			keep, drop = drop, keep
		}
		l.collapse(keep, drop)
		l.apply(keep, m)
		return keep.msg.Clone(), false
	}

	e := eID
	if e == nil {
		e = eCorr
	}
	l.apply(e, m)
	return e.msg.Clone(), false
}

// Update применяет fn к записи. Смена CreatedAt пересортировывает лог.
func (l *Log) Update(key string, fn func(*model.Message)) (model.Message, bool) {
	e := l.lookup(key)
	if e == nil {
		return model.Message{}, false
	}
	before := e.msg.CreatedAt
	l.unindex(e)
	fn(&e.msg)
	l.index(e)
	if !e.msg.CreatedAt.Equal(before) {
		l.resort(e)
	}
	return e.msg.Clone(), true
}

// AssignID привязывает серверный id к записи с данным correlation id.
// Если запись с этим id уже есть (эхо пришло раньше статуса), записи схлопываются.
func (l *Log) AssignID(correlationID, id string) (model.Message, bool) {
	e := l.byCorr[correlationID]
	if e == nil || id == "" {
		return model.Message{}, false
	}
	if other, ok := l.byID[id]; ok && other != e {
		keep, drop := e, other
		if drop.seq < keep.seq {
			keep, drop = drop, keep
		}
		l.collapse(keep, drop)
		e = keep
	}
	if e.msg.ID != id {
		l.unindex(e)
		e.msg.ID = id
		l.index(e)
	}
	return e.msg.Clone(), true
}

// Remove удаляет запись по любой идентичности.
func (l *Log) Remove(key string) (model.Message, bool) {
	e := l.lookup(key)
	if e == nil {
		return model.Message{}, false
	}
	l.unindex(e)
	l.removeAt(l.position(e))
	return e.msg, true
}

// Messages — копия лога в порядке отображения.
func (l *Log) Messages() []model.Message {
	out := make([]model.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Each обходит записи по порядку; fn может менять сообщение, кроме id и CreatedAt.
func (l *Log) Each(fn func(*model.Message) bool) {
	for _, e := range l.entries {
		if !fn(&e.msg) {
			return
		}
	}
}

// OldestPersisted — самое раннее сообщение с серверным id.
func (l *Log) OldestPersisted() (model.Message, bool) {
	for _, e := range l.entries {
		if e.msg.Persisted() {
			return e.msg.Clone(), true
		}
	}
	return model.Message{}, false
}

// NewestPersisted — самое позднее сообщение с серверным id.
func (l *Log) NewestPersisted() (model.Message, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].msg.Persisted() {
			return l.entries[i].msg.Clone(), true
		}
	}
	return model.Message{}, false
}

func (l *Log) apply(e *entry, src model.Message) {
	before := e.msg.CreatedAt
	l.unindex(e)
	merge(&e.msg, src)
	l.index(e)
	if !e.msg.CreatedAt.Equal(before) {
		l.resort(e)
	}
}

// collapse вливает drop в keep и удаляет drop.
func (l *Log) collapse(keep, drop *entry) {
	l.unindex(drop)
	l.removeAt(l.position(drop))
	l.apply(keep, drop.msg)
}

// merge сливает src в dst. Серверная копия (с id) авторитетна для содержимого,
// времени создания и реакций; readBy только объединяется; статус не откатывается.
func merge(dst *model.Message, src model.Message) {
	if dst.ID == "" {
		dst.ID = src.ID
	}
	if dst.CorrelationID == "" {
		dst.CorrelationID = src.CorrelationID
	}
	if dst.RoomID == "" {
		dst.RoomID = src.RoomID
	}
	if dst.SenderID == "" {
		dst.SenderID = src.SenderID
	}
	if src.SenderName != "" {
		dst.SenderName = src.SenderName
	}
	if src.Persisted() {
		if !src.Content.Empty() || src.Content.Deleted {
			dst.Content = src.Content
		}
		if !src.CreatedAt.IsZero() {
			dst.CreatedAt = src.CreatedAt
		}
		dst.Reactions = src.Reactions.Clone()
		if src.EditedAt != nil {
			t := *src.EditedAt
			dst.EditedAt = &t
		}
	} else {
		if dst.Content.Empty() {
			dst.Content = src.Content
		}
		if dst.CreatedAt.IsZero() {
			dst.CreatedAt = src.CreatedAt
		}
		if dst.Reactions == nil {
			dst.Reactions = src.Reactions.Clone()
		}
	}
	dst.ReadBy = dst.ReadBy.Union(src.ReadBy)
	dst.Status = model.MergeStatus(dst.Status, src.Status)
}

func (l *Log) index(e *entry) {
	if e.msg.ID != "" {
		l.byID[e.msg.ID] = e
	}
	if e.msg.CorrelationID != "" {
		l.byCorr[e.msg.CorrelationID] = e
	}
}

func (l *Log) unindex(e *entry) {
	if e.msg.ID != "" && l.byID[e.msg.ID] == e {
		delete(l.byID, e.msg.ID)
	}
	if e.msg.CorrelationID != "" && l.byCorr[e.msg.CorrelationID] == e {
		delete(l.byCorr, e.msg.CorrelationID)
	}
}

func (l *Log) position(e *entry) int {
	for i, x := range l.entries {
		if x == e {
			return i
		}
	}
	return -1
}

func (l *Log) insertAt(pos int, e *entry) {
	l.entries = append(l.entries, nil)
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
}

func (l *Log) removeAt(pos int) {
	if pos < 0 {
		return
	}
	copy(l.entries[pos:], l.entries[pos+1:])
	l.entries[len(l.entries)-1] = nil
	l.entries = l.entries[:len(l.entries)-1]
}

// resort переставляет e на место по (CreatedAt, seq).
func (l *Log) resort(e *entry) {
	l.removeAt(l.position(e))
	pos := sort.Search(len(l.entries), func(i int) bool {
		x := l.entries[i]
		if x.msg.CreatedAt.Equal(e.msg.CreatedAt) {
			return x.seq > e.seq
		}
		return x.msg.CreatedAt.After(e.msg.CreatedAt)
	})
	l.insertAt(pos, e)
}
