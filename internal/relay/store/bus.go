package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/redis/go-redis/v9"
)

// Bus разносит события комнат между экземплярами relay.
// Доставка локальным клиентам идёт только через обработчик подписки.
type Bus interface {
	Publish(ctx context.Context, roomID string, f model.Frame) error
	// Subscribe регистрирует обработчик; приём идёт в фоне до отмены ctx.
	Subscribe(ctx context.Context, handler func(roomID string, f model.Frame)) error
	Close() error
}

// LocalBus — fan-out в пределах процесса.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []func(string, model.Frame)
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(_ context.Context, roomID string, f model.Frame) error {
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()
	for _, h := range hs {
		h(roomID, f)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, handler func(string, model.Frame)) error {
	b.mu.Lock()
	b.handlers = append(append([]func(string, model.Frame){}, b.handlers...), handler)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

const roomChannelPrefix = "chatsync:room:"

// RedisBus — fan-out через Redis pub/sub: каждое событие комнаты публикуется
// в канал chatsync:room:{id}, все экземпляры подписаны по шаблону.
type RedisBus struct {
	cli *redis.Client
}

func NewRedisBus(cli *redis.Client) *RedisBus { return &RedisBus{cli: cli} }

func (b *RedisBus) Publish(ctx context.Context, roomID string, f model.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("redisBus.Publish marshal: %w", err)
	}
	if err := b.cli.Publish(ctx, roomChannelPrefix+roomID, data).Err(); err != nil {
		return fmt.Errorf("redisBus.Publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(string, model.Frame)) error {
	sub := b.cli.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redisBus.Subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var f model.Frame
				if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
					logger.Errorf("redis bus unmarshal channel=%s: %v", m.Channel, err)
					continue
				}
				handler(strings.TrimPrefix(m.Channel, roomChannelPrefix), f)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error { return b.cli.Close() }
