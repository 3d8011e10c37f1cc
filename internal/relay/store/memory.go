package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
)

// Memory хранит всё в памяти процесса.
type Memory struct {
	mu     sync.RWMutex
	byID   map[string]*model.Message
	byCorr map[string]string
	rooms  map[string][]*model.Message // по возрастанию created_at
	pins   map[string]model.PinnedMessage
}

func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[string]*model.Message),
		byCorr: make(map[string]string),
		rooms:  make(map[string][]*model.Message),
		pins:   make(map[string]model.PinnedMessage),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) Save(_ context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" || m.RoomID == "" {
		return model.Message{}, fmt.Errorf("memory.Save: id and room_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CorrelationID != "" {
		if id, ok := s.byCorr[m.CorrelationID]; ok {
			return s.byID[id].Clone(), nil
		}
	}
	stored := m.Clone()
	stored.Status = model.StatusSaved
	s.byID[stored.ID] = &stored
	if stored.CorrelationID != "" {
		s.byCorr[stored.CorrelationID] = stored.ID
	}
	list := s.rooms[stored.RoomID]
	pos := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(stored.CreatedAt) })
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = &stored
	s.rooms[stored.RoomID] = list
	return stored.Clone(), nil
}

func (s *Memory) Get(_ context.Context, id string) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) History(_ context.Context, roomID string, dir model.Direction, pivotID string, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.rooms[roomID]
	pivot := -1
	if pivotID != "" {
		for i, m := range list {
			if m.ID == pivotID {
				pivot = i
				break
			}
		}
		if pivot < 0 && dir != model.DirectionInitial {
			return nil, false, ErrNotFound
		}
	}
	var from, to int
	var more bool
	switch dir {
	case model.DirectionBefore:
		to = pivot
		from = max(0, to-limit)
		more = from > 0
	case model.DirectionAfter:
		from = pivot + 1
		to = min(len(list), from+limit)
		more = to < len(list)
	default:
		to = len(list)
		from = max(0, to-limit)
		more = from > 0
	}
	out := make([]model.Message, 0, to-from)
	for _, m := range list[from:to] {
		out = append(out, m.Clone())
	}
	return out, more, nil
}

func (s *Memory) Edit(_ context.Context, id, userID, text string, at time.Time) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	if m.SenderID != userID {
		return model.Message{}, ErrForbidden
	}
	m.Content.Text = text
	m.Content.Edited = true
	t := at
	m.EditedAt = &t
	return m.Clone(), nil
}

func (s *Memory) Delete(_ context.Context, id, userID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	if m.SenderID != userID {
		return model.Message{}, ErrForbidden
	}
	delete(s.byID, id)
	if m.CorrelationID != "" {
		delete(s.byCorr, m.CorrelationID)
	}
	list := s.rooms[m.RoomID]
	for i, x := range list {
		if x == m {
			s.rooms[m.RoomID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if p, ok := s.pins[m.RoomID]; ok && p.MessageID == id {
		delete(s.pins, m.RoomID)
	}
	return m.Clone(), nil
}

func (s *Memory) ToggleReaction(_ context.Context, messageID, userID, reactionType string) (model.Reactions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	m.Reactions = m.Reactions.Toggle(reactionType, userID)
	return m.Reactions.Clone(), nil
}

func (s *Memory) MarkRead(_ context.Context, roomID, userID string, ids []string) ([]string, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, m := range s.rooms[roomID] {
		if m.SenderID == userID || m.ReadBy.Has(userID) {
			continue
		}
		if len(ids) > 0 && !want[m.ID] {
			continue
		}
		m.ReadBy = m.ReadBy.With(userID)
		changed = append(changed, m.ID)
	}
	return changed, nil
}

func (s *Memory) Pin(_ context.Context, roomID, messageID, userID string, at time.Time) (model.PinnedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.RoomID != roomID {
		return model.PinnedMessage{}, ErrNotFound
	}
	p := model.PinnedMessage{RoomID: roomID, MessageID: messageID, PinnedBy: userID, PinnedAt: at}
	s.pins[roomID] = p
	return p, nil
}

func (s *Memory) Unpin(_ context.Context, roomID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[roomID]
	if !ok || p.MessageID != messageID {
		return false, nil
	}
	delete(s.pins, roomID)
	return true, nil
}

func (s *Memory) Pinned(_ context.Context, roomID string) (*model.PinnedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pins[roomID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
