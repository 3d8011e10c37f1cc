package engine

import (
	"context"
	"sync"

	"github.com/chatsync/internal/model"
)

// Client держит не более одной активной комнаты. Новая комната подключается
// только после полного закрытия предыдущей: подписки двух комнат не пересекаются.
type Client struct {
	opts Options

	mu      sync.Mutex
	current *Session
}

func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// Join закрывает текущую комнату и открывает sess.
func (c *Client) Join(ctx context.Context, sess model.Session, cb Callbacks) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	s, err := Open(ctx, sess, cb, c.opts)
	if err != nil {
		return nil, err
	}
	c.current = s
	return s, nil
}

// SwitchRoom переходит в другую комнату с той же учётной записью.
func (c *Client) SwitchRoom(ctx context.Context, roomID string, cb Callbacks) (*Session, error) {
	c.mu.Lock()
	var sess model.Session
	if c.current != nil {
		sess = c.current.Room()
	}
	c.mu.Unlock()
	sess.RoomID = roomID
	return c.Join(ctx, sess, cb)
}

// Current — активная сессия или nil.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close выходит из текущей комнаты.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}
