// Package syncer — постраничная синхронизация истории комнаты (INITIAL, BEFORE, AFTER)
// с восстановлением позиции прокрутки по якорю.
package syncer

import (
	"errors"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// ErrSyncTimeout — ответ на запрос синхронизации не пришёл. Наружу не выдаётся:
// следующий скролл или переподключение повторят запрос.
var ErrSyncTimeout = errors.New("syncer: request timed out")

// Publisher — исходящий канал; *transport.Connection его реализует.
type Publisher interface {
	Publish(ch model.Channel, payload any) bool
}

// Inserter кладёт сообщения в лог; *delivery.Machine его реализует,
// чтобы отложенные статусы применялись к сообщениям из истории.
type Inserter interface {
	Upsert(msg model.Message) (model.Message, bool)
}

// Batch — результат синхронизации для UI.
type Batch struct {
	Direction model.Direction
	Messages  []model.Message
	HasMore   bool
}

type Options struct {
	RoomID          string
	UserID          string
	InitialPageSize int
	PageSize        int
	Timeout         time.Duration
	Clock           clock.Clock
	NewID           func() string
	OnBatch         func(Batch)
}

type request struct {
	id       string
	dir      model.Direction
	pivot    string
	anchorID string
	offset   float64
	height   float64
	atBottom bool
	timer    clock.Timer
}

// Coordinator — единственный владелец SyncCursor. Не потокобезопасен.
type Coordinator struct {
	opts     Options
	log      *messagelog.Log
	insert   Inserter
	pub      Publisher
	vp       Viewport
	cursor   model.SyncCursor
	oldestAt time.Time
	newestAt time.Time
	inflight map[model.Direction]*request
	byID     map[string]*request
}

func New(log *messagelog.Log, insert Inserter, pub Publisher, vp Viewport, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.InitialPageSize <= 0 {
		opts.InitialPageSize = 50
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if vp == nil {
		vp = NopViewport{}
	}
	return &Coordinator{
		opts:     opts,
		log:      log,
		insert:   insert,
		pub:      pub,
		vp:       vp,
		inflight: make(map[model.Direction]*request),
		byID:     make(map[string]*request),
	}
}

func (c *Coordinator) Cursor() model.SyncCursor { return c.cursor }

// Loading — есть ли запрос в полёте для направления.
func (c *Coordinator) Loading(dir model.Direction) bool { return c.inflight[dir] != nil }

// SetViewport подменяет окно прокрутки (UI смонтировался позже сессии).
func (c *Coordinator) SetViewport(vp Viewport) {
	if vp == nil {
		vp = NopViewport{}
	}
	c.vp = vp
}

// RequestInitial запрашивает базовую страницу при входе в комнату.
func (c *Coordinator) RequestInitial() bool {
	if c.inflight[model.DirectionInitial] != nil {
		return false
	}
	return c.issue(&request{dir: model.DirectionInitial}, c.opts.InitialPageSize)
}

// RequestBefore подгружает более старые сообщения. Пока запрос в полёте,
// повторные вызовы подавляются, а не ставятся в очередь.
func (c *Coordinator) RequestBefore() bool {
	if c.inflight[model.DirectionBefore] != nil || !c.cursor.HasMoreBefore || c.cursor.OldestLoadedID == "" {
		return false
	}
	req := &request{dir: model.DirectionBefore, pivot: c.cursor.OldestLoadedID, height: c.vp.ContentHeight()}
	if id := c.vp.FirstVisibleID(); id != "" {
		if off, ok := c.vp.AnchorOffset(id); ok {
			req.anchorID, req.offset = id, off
		}
	}
	return c.issue(req, c.opts.PageSize)
}

// RequestAfter догружает пропущенное после переподключения.
// Без известного newest выполняется INITIAL.
func (c *Coordinator) RequestAfter() bool {
	if c.cursor.NewestLoadedID == "" {
		return c.RequestInitial()
	}
	return c.requestAfter(c.cursor.NewestLoadedID)
}

func (c *Coordinator) requestAfter(pivot string) bool {
	if c.inflight[model.DirectionAfter] != nil {
		return false
	}
	return c.issue(&request{dir: model.DirectionAfter, pivot: pivot, atBottom: c.vp.IsAtBottom()}, c.opts.PageSize)
}

func (c *Coordinator) issue(req *request, limit int) bool {
	req.id = c.opts.NewID()
	ok := c.pub.Publish(model.ChannelSyncRequest, model.SyncRequest{
		RoomID:    c.opts.RoomID,
		UserID:    c.opts.UserID,
		RequestID: req.id,
		Direction: req.dir,
		PivotID:   req.pivot,
		Limit:     limit,
	})
	if !ok {
		return false
	}
	c.inflight[req.dir] = req
	c.byID[req.id] = req
	if c.opts.Timeout > 0 {
		req.timer = c.opts.Clock.AfterFunc(c.opts.Timeout, func() { c.expire(req) })
	}
	logger.Debugf("syncer: %s request %s pivot=%q", req.dir, req.id, req.pivot)
	return true
}

func (c *Coordinator) expire(req *request) {
	if c.byID[req.id] != req {
		return
	}
	c.finish(req)
	logger.Warnf("syncer: %s request %s: %v", req.dir, req.id, ErrSyncTimeout)
}

func (c *Coordinator) finish(req *request) {
	delete(c.byID, req.id)
	if c.inflight[req.dir] == req {
		delete(c.inflight, req.dir)
	}
	if req.timer != nil {
		req.timer.Stop()
	}
}

// HandleBatch сливает ответ в лог и обновляет курсор только своего направления.
// Ответ на неизвестный (просроченный) запрос сливается без изменения курсора.
func (c *Coordinator) HandleBatch(b model.SyncBatch) {
	defer logger.DeferLogDuration("syncer.HandleBatch", time.Now())()

	req := c.byID[b.RequestID]
	merged := make([]model.Message, 0, len(b.Messages))
	var oldest, newest *model.Message
	for i := range b.Messages {
		m := b.Messages[i]
		if m.RoomID != "" && m.RoomID != c.opts.RoomID {
			continue
		}
		out, _ := c.insert.Upsert(m)
		merged = append(merged, out)
		if !out.Persisted() {
			continue
		}
		if oldest == nil || out.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &merged[len(merged)-1]
		}
		if newest == nil || !out.CreatedAt.Before(newest.CreatedAt) {
			newest = &merged[len(merged)-1]
		}
	}

	if req == nil {
		logger.Debugf("syncer: batch %s has no pending request, merged %d messages", b.RequestID, len(merged))
		c.emit(Batch{Direction: b.Direction, Messages: merged, HasMore: b.HasMore})
		return
	}
	c.finish(req)

	switch req.dir {
	case model.DirectionInitial:
		c.cursor.HasMoreBefore = b.HasMore && len(merged) > 0
		if oldest != nil {
			c.cursor.OldestLoadedID, c.oldestAt = oldest.ID, oldest.CreatedAt
		}
		if newest != nil {
			c.advanceNewest(*newest)
		}
		c.vp.ScrollToBottom()
	case model.DirectionBefore:
		if len(merged) == 0 {
			c.cursor.HasMoreBefore = false
			break
		}
		c.cursor.HasMoreBefore = b.HasMore
		if oldest != nil && (c.oldestAt.IsZero() || oldest.CreatedAt.Before(c.oldestAt)) {
			c.cursor.OldestLoadedID, c.oldestAt = oldest.ID, oldest.CreatedAt
		}
		c.restoreAnchor(req)
	case model.DirectionAfter:
		if newest != nil {
			c.advanceNewest(*newest)
		}
		if req.atBottom {
			c.vp.ScrollToBottom()
		}
		if b.HasMore && newest != nil {
			c.requestAfter(newest.ID)
		}
	}
	c.emit(Batch{Direction: req.dir, Messages: merged, HasMore: b.HasMore})
}

// restoreAnchor: якорь авторитетен, разница высот — только если якоря нет.
func (c *Coordinator) restoreAnchor(req *request) {
	if req.anchorID != "" && c.vp.ScrollToAnchor(req.anchorID, req.offset) {
		return
	}
	if delta := c.vp.ContentHeight() - req.height; delta != 0 {
		c.vp.ScrollBy(delta)
	}
}

// ObserveLive учитывает сообщение, пришедшее в реальном времени, в newestLoadedId.
func (c *Coordinator) ObserveLive(m model.Message) {
	if m.Persisted() {
		c.advanceNewest(m)
	}
	if c.cursor.OldestLoadedID == "" && m.Persisted() {
		c.cursor.OldestLoadedID, c.oldestAt = m.ID, m.CreatedAt
	}
}

func (c *Coordinator) advanceNewest(m model.Message) {
	if c.cursor.NewestLoadedID == "" || !m.CreatedAt.Before(c.newestAt) {
		c.cursor.NewestLoadedID, c.newestAt = m.ID, m.CreatedAt
	}
}

// Forget убирает удалённое сообщение из курсора, подставляя ближайшее из лога.
func (c *Coordinator) Forget(id string) {
	if id == "" {
		return
	}
	if c.cursor.OldestLoadedID == id {
		c.cursor.OldestLoadedID, c.oldestAt = "", time.Time{}
		if m, ok := c.log.OldestPersisted(); ok {
			c.cursor.OldestLoadedID, c.oldestAt = m.ID, m.CreatedAt
		}
	}
	if c.cursor.NewestLoadedID == id {
		c.cursor.NewestLoadedID, c.newestAt = "", time.Time{}
		if m, ok := c.log.NewestPersisted(); ok {
			c.cursor.NewestLoadedID, c.newestAt = m.ID, m.CreatedAt
		}
	}
}

// Abandon снимает все запросы в полёте: их ответы ушли вместе с оборванным сокетом.
// Курсор не трогается; запоздавший ответ сольётся как ответ без запроса.
func (c *Coordinator) Abandon() int {
	n := 0
	for _, req := range c.byID {
		c.finish(req)
		n++
	}
	if n > 0 {
		logger.Debugf("syncer: abandoned %d in-flight requests", n)
	}
	return n
}

// Reset сбрасывает курсор и запросы в полёте (выход из комнаты).
func (c *Coordinator) Reset() {
	for _, req := range c.byID {
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	c.inflight = make(map[model.Direction]*request)
	c.byID = make(map[string]*request)
	c.cursor = model.SyncCursor{}
	c.oldestAt, c.newestAt = time.Time{}, time.Time{}
}

func (c *Coordinator) emit(b Batch) {
	if c.opts.OnBatch != nil {
		c.opts.OnBatch(b)
	}
}
