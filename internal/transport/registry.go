package transport

import (
	"encoding/json"
	"sync"

	"github.com/chatsync/internal/model"
)

// Handler получает payload входящего события канала.
type Handler func(payload json.RawMessage)

type subscription struct {
	id int
	h  Handler
}

// Registry — подписчики по каналам. Подписки аддитивны, у каждой сессии комнаты свой реестр.
type Registry struct {
	mu       sync.RWMutex
	next     int
	handlers map[model.Channel][]subscription
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.Channel][]subscription)}
}

// Subscribe добавляет обработчик и возвращает функцию отписки.
func (r *Registry) Subscribe(ch model.Channel, h Handler) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.handlers[ch] = append(r.handlers[ch], subscription{id: id, h: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.handlers[ch]
		for i, s := range subs {
			if s.id == id {
				r.handlers[ch] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(r.handlers[ch]) == 0 {
			delete(r.handlers, ch)
		}
	}
}

// Clear снимает все подписки.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.handlers = make(map[model.Channel][]subscription)
	r.mu.Unlock()
}

// Len — общее число подписок.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.handlers {
		n += len(subs)
	}
	return n
}

// Dispatch вызывает обработчики канала в порядке подписки и возвращает их число.
func (r *Registry) Dispatch(ch model.Channel, payload json.RawMessage) int {
	r.mu.RLock()
	subs := append([]subscription(nil), r.handlers[ch]...)
	r.mu.RUnlock()
	for _, s := range subs {
		s.h(payload)
	}
	return len(subs)
}
