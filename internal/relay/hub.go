// Package relay — dev-сервер чата: websocket-комнаты, очередь записи сообщений,
// REST для закрепов, реакций и прочтений. Говорит тем же протоколом, что и движок.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/relay/store"
)

const (
	defaultSyncLimit = 50
	maxSyncLimit     = 200
	storeTimeout     = 5 * time.Second
)

type Hub struct {
	cfg     config.RelayConfig
	store   store.Store
	bus     store.Bus
	metrics *Metrics
	clock   clock.Clock
	persist *persister

	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	total      int
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(cfg config.RelayConfig, st store.Store, bus store.Bus, m *Metrics, clk clock.Clock) *Hub {
	if cfg.MaxWSConnections <= 0 {
		cfg.MaxWSConnections = 10000
	}
	if clk == nil {
		clk = clock.Real()
	}
	h := &Hub{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		metrics:    m,
		clock:      clk,
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	h.persist = newPersister(h, cfg.WorkerQueueSize)
	return h
}

// Run подписывается на шину комнат, запускает запись сообщений и обслуживает
// регистрацию клиентов до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	if err := h.bus.Subscribe(ctx, h.deliver); err != nil {
		logger.Errorf("relay: bus subscribe: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.persist.Run(ctx)
	}()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			wg.Wait()
			return
		case c := <-h.register:
			h.addClient(ctx, c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	// Pumps, завершаясь, зовут Unregister: после close(done) он не блокируется.
	close(h.done)
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.rooms {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	h.metrics.connections.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.total >= h.cfg.MaxWSConnections {
		h.mu.Unlock()
		logger.Errorf("relay: connection limit reached (%d), rejecting user=%s", h.cfg.MaxWSConnections, c.userID)
		c.Close()
		return
	}
	if _, ok := h.rooms[c.roomID]; !ok {
		h.rooms[c.roomID] = make(map[*Client]struct{})
	}
	h.rooms[c.roomID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	h.metrics.connections.Inc()
	logger.Debugf("relay: joined room=%s user=%s", c.roomID, c.userID)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	pin, err := h.store.Pinned(ctx, c.roomID)
	if err != nil {
		logger.Errorf("relay: load pin room=%s: %v", c.roomID, err)
		return
	}
	if pin != nil {
		h.sendTo(c, model.ChannelPin, model.PinPayload{
			RoomID: pin.RoomID, MessageID: pin.MessageID, PinnedBy: pin.PinnedBy, PinnedAt: pin.PinnedAt,
		})
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[c.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastOfUser := true
	for other := range clients {
		if other.userID == c.userID {
			lastOfUser = false
			break
		}
	}
	if len(clients) == 0 {
		delete(h.rooms, c.roomID)
	}
	h.mu.Unlock()
	h.metrics.connections.Dec()

	c.Close()

	if lastOfUser {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		h.Broadcast(ctx, c.roomID, model.ChannelPresence, model.PresencePayload{RoomID: c.roomID, UserID: c.userID})
	}
}

// HandleFrame разбирает кадр клиента по каналу.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, f model.Frame) {
	h.metrics.frames.WithLabelValues(string(f.Type)).Inc()
	switch f.Type {
	case model.ChannelMessageSend:
		h.handleSend(c, f.Payload)
	case model.ChannelMessageEdit:
		h.handleEdit(ctx, c, f.Payload)
	case model.ChannelMessageDelete:
		h.handleDelete(ctx, c, f.Payload)
	case model.ChannelSyncRequest:
		h.handleSync(ctx, c, f.Payload)
	case model.ChannelTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.sendError(c, "malformed typing payload")
			return
		}
		p.RoomID, p.UserID = c.roomID, c.userID
		h.Broadcast(ctx, c.roomID, model.ChannelTyping, p)
	case model.ChannelPresence:
		var p model.PresencePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.sendError(c, "malformed presence payload")
			return
		}
		p.RoomID, p.UserID = c.roomID, c.userID
		h.Broadcast(ctx, c.roomID, model.ChannelPresence, p)
	default:
		h.sendError(c, "unknown channel "+string(f.Type))
	}
}

func (h *Hub) handleSend(c *Client, raw json.RawMessage) {
	var p model.SendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "malformed message payload")
		return
	}
	if p.CorrelationID == "" {
		h.sendError(c, "correlation_id required")
		return
	}
	fail := func(reason string) {
		h.sendStatus(c, model.DeliveryRecord{
			CorrelationID: p.CorrelationID, RoomID: c.roomID, Status: model.StatusFailed,
			CreatedAt: h.clock.Now(), Reason: reason,
		})
	}
	switch {
	case p.RoomID != "" && p.RoomID != c.roomID:
		fail("room mismatch")
		return
	case p.Content.Empty():
		fail("empty message")
		return
	case len(p.Content.Text) > h.cfg.MaxMessageSize:
		fail("message too large")
		return
	}
	p.RoomID, p.UserID = c.roomID, c.userID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = h.clock.Now()
	}

	h.sendStatus(c, model.DeliveryRecord{
		CorrelationID: p.CorrelationID, RoomID: c.roomID, Status: model.StatusSentToBroker, CreatedAt: h.clock.Now(),
	})
	if !h.persist.Enqueue(c, p) {
		logger.Warnf("relay: persist queue full, dropping corr=%s", p.CorrelationID)
		fail("queue full")
	}
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("relay.handleEdit", time.Now())()
	var p model.EditPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" || p.Text == "" {
		h.sendError(c, "message_id and text required")
		return
	}
	if len(p.Text) > h.cfg.MaxMessageSize {
		h.sendError(c, "message too large")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if !h.ownRoomMessage(ctx, c, p.MessageID) {
		return
	}
	m, err := h.store.Edit(ctx, p.MessageID, c.userID, p.Text, h.clock.Now())
	if err != nil {
		h.sendStoreError(c, "edit", err)
		return
	}
	h.Broadcast(ctx, c.roomID, model.ChannelMessageUpdated, m)
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("relay.handleDelete", time.Now())()
	var p model.DeletePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		h.sendError(c, "message_id required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if !h.ownRoomMessage(ctx, c, p.MessageID) {
		return
	}
	if _, err := h.store.Delete(ctx, p.MessageID, c.userID); err != nil {
		h.sendStoreError(c, "delete", err)
		return
	}
	h.Broadcast(ctx, c.roomID, model.ChannelMessageDeleted, model.DeletedPayload{RoomID: c.roomID, MessageID: p.MessageID})
}

// ownRoomMessage проверяет, что сообщение принадлежит комнате подключения.
func (h *Hub) ownRoomMessage(ctx context.Context, c *Client, id string) bool {
	m, err := h.store.Get(ctx, id)
	if err != nil {
		h.sendStoreError(c, "lookup", err)
		return false
	}
	if m.RoomID != c.roomID {
		h.sendError(c, "message not found")
		return false
	}
	return true
}

func (h *Hub) handleSync(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("relay.handleSync", time.Now())()
	var p model.SyncRequest
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "malformed sync request")
		return
	}
	if !p.Direction.Valid() {
		h.sendError(c, "unknown direction "+string(p.Direction))
		return
	}
	if p.Direction != model.DirectionInitial && p.PivotID == "" {
		h.sendError(c, "pivot_id required")
		return
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	limit = min(limit, maxSyncLimit)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	msgs, more, err := h.store.History(ctx, c.roomID, p.Direction, p.PivotID, limit)
	batch := model.SyncBatch{RequestID: p.RequestID, Direction: p.Direction, Messages: msgs, HasMore: more}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Errorf("relay: history room=%s dir=%s: %v", c.roomID, p.Direction, err)
		}
		// Пустой батч снимает ожидание у клиента.
		h.sendTo(c, model.ChannelSyncBatch, model.SyncBatch{RequestID: p.RequestID, Direction: p.Direction, Messages: []model.Message{}})
		h.sendStoreError(c, "sync", err)
		return
	}
	if batch.Messages == nil {
		batch.Messages = []model.Message{}
	}
	h.sendTo(c, model.ChannelSyncBatch, batch)
}

// deliver — обработчик шины: событие комнаты всем её локальным подключениям.
func (h *Hub) deliver(roomID string, f model.Frame) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, f)
	}
}

// Broadcast публикует событие комнаты в шину.
func (h *Hub) Broadcast(ctx context.Context, roomID string, ch model.Channel, payload any) {
	f, err := model.NewFrame(ch, payload)
	if err != nil {
		logger.Errorf("relay: encode %s: %v", ch, err)
		return
	}
	if err := h.bus.Publish(ctx, roomID, f); err != nil {
		logger.Errorf("relay: publish %s room=%s: %v", ch, roomID, err)
	}
}

// ObserveAPI считает REST-вызов изменения состояния комнаты.
func (h *Hub) ObserveAPI(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.metrics.apiCalls.WithLabelValues(op, result).Inc()
}

// sendStatus — статус доставки только подключениям отправителя в этой комнате.
// origin получает статус, даже если ещё не зарегистрирован.
func (h *Hub) sendStatus(origin *Client, rec model.DeliveryRecord) {
	h.metrics.statuses.WithLabelValues(string(rec.Status)).Inc()
	f, err := model.NewFrame(model.ChannelMessageStatus, rec)
	if err != nil {
		logger.Errorf("relay: encode status: %v", err)
		return
	}
	targets := []*Client{origin}
	h.mu.RLock()
	for c := range h.rooms[origin.roomID] {
		if c != origin && c.userID == origin.userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, f)
	}
}

func (h *Hub) sendTo(c *Client, ch model.Channel, payload any) {
	f, err := model.NewFrame(ch, payload)
	if err != nil {
		logger.Errorf("relay: encode %s: %v", ch, err)
		return
	}
	h.sendToClient(c, f)
}

func (h *Hub) sendError(c *Client, reason string) {
	h.sendTo(c, model.ChannelError, model.ErrorPayload{Reason: reason})
}

func (h *Hub) sendStoreError(c *Client, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.sendError(c, "message not found")
	case errors.Is(err, store.ErrForbidden):
		h.sendError(c, "can only "+op+" own messages")
	default:
		logger.Errorf("relay: %s user=%s: %v", op, c.userID, err)
		h.sendError(c, "internal error")
	}
}

func (h *Hub) sendToClient(c *Client, f model.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		// Буфер полон: медленный клиент отключается.
		logger.Errorf("relay: send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
