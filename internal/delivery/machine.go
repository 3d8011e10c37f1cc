// Package delivery ведёт исходящие сообщения по жизненному циклу доставки
// и применяет асинхронные статусы к MessageLog.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

var (
	ErrUnknownMessage = errors.New("delivery: unknown message")
	ErrNotRetryable   = errors.New("delivery: message is not retryable")
	ErrPersisted      = errors.New("delivery: message already persisted")
	ErrDeliveryFailed = errors.New("delivery: failed")
)

// Failure оборачивает FAILED-статус в ошибку для логов и вызывающего кода.
func Failure(rec model.DeliveryRecord) error {
	reason := rec.Reason
	if reason == "" {
		reason = "rejected by server"
	}
	return fmt.Errorf("%w: correlation_id=%s: %s", ErrDeliveryFailed, rec.CorrelationID, reason)
}

// Outcome — что произошло со статусом.
type Outcome int

const (
	// Applied — статус применён к сообщению.
	Applied Outcome = iota
	// Buffered — сообщения ещё нет, статус отложен до его появления.
	Buffered
	// Duplicate — такой же статус уже был в окне дедупликации.
	Duplicate
	// Ignored — переход недопустим или статус уже известен.
	Ignored
)

type Options struct {
	DedupWindow time.Duration
	PendingTTL  time.Duration
	// Timeout после публикации переводит зависшее сообщение в FAILED. 0 — выключено.
	Timeout time.Duration
	Clock   clock.Clock
	// OnStatus вызывается при каждом применённом изменении статуса,
	// включая отложенные статусы и таймауты.
	OnStatus func(msg model.Message, rec model.DeliveryRecord)
	NewID    func() string
}

type pendingRecord struct {
	rec model.DeliveryRecord
	at  time.Time
}

// Machine — машина состояний доставки. Не потокобезопасна: живёт в цикле сессии.
type Machine struct {
	log     *messagelog.Log
	opts    Options
	pending map[string]pendingRecord
	recent  map[string]time.Time
	timers  map[string]clock.Timer
	unsent  map[string]bool
}

func New(log *messagelog.Log, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 100 * time.Millisecond
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Machine{
		log:     log,
		opts:    opts,
		pending: make(map[string]pendingRecord),
		recent:  make(map[string]time.Time),
		timers:  make(map[string]clock.Timer),
		unsent:  make(map[string]bool),
	}
}

// NewOutgoing создаёт локальное сообщение в SENDING с новым correlation id и сразу кладёт его в лог.
func (m *Machine) NewOutgoing(roomID, senderID, senderName string, content model.Content) model.Message {
	msg := model.Message{
		CorrelationID: m.opts.NewID(),
		RoomID:        roomID,
		SenderID:      senderID,
		SenderName:    senderName,
		Content:       content,
		Status:        model.StatusSending,
		CreatedAt:     m.opts.Clock.Now(),
	}
	out, _ := m.Upsert(msg)
	m.unsent[msg.CorrelationID] = true
	return out
}

// MarkPublished — кадр отправки ушёл в транспорт; запускает таймаут доставки.
func (m *Machine) MarkPublished(correlationID string) {
	delete(m.unsent, correlationID)
	if m.opts.Timeout <= 0 {
		return
	}
	if msg, ok := m.log.Get(correlationID); !ok || msg.Status.Terminal() {
		return
	}
	m.stopTimer(correlationID)
	m.timers[correlationID] = m.opts.Clock.AfterFunc(m.opts.Timeout, func() {
		delete(m.timers, correlationID)
		m.expire(correlationID)
	})
}

func (m *Machine) expire(correlationID string) {
	msg, ok := m.log.Get(correlationID)
	if !ok || msg.Status.Terminal() {
		return
	}
	rec := model.DeliveryRecord{
		CorrelationID: correlationID,
		RoomID:        msg.RoomID,
		Status:        model.StatusFailed,
		CreatedAt:     m.opts.Clock.Now(),
		Reason:        "delivery timeout",
	}
	logger.Warnf("delivery: %v", Failure(rec))
	m.applyTo(msg, rec)
}

// Upsert кладёт сообщение в лог и применяет к нему отложенный статус, если он есть.
// Через него должны проходить все вставки: отправка, эхо, синхронизация.
func (m *Machine) Upsert(msg model.Message) (model.Message, bool) {
	out, inserted := m.log.Upsert(msg)
	corr := out.CorrelationID
	if corr == "" {
		return out, inserted
	}
	if out.Status.Terminal() {
		m.stopTimer(corr)
		delete(m.unsent, corr)
	}
	if p, ok := m.pending[corr]; ok {
		delete(m.pending, corr)
		if applied, changed := m.applyTo(out, p.rec); changed {
			out = applied
		}
	}
	return out, inserted
}

// ApplyStatus применяет входящий статус. Статус для ещё не известного сообщения откладывается.
func (m *Machine) ApplyStatus(rec model.DeliveryRecord) (model.Message, Outcome) {
	if rec.CorrelationID == "" || !rec.Status.Valid() {
		logger.Warnf("delivery: malformed status %q for %q", rec.Status, rec.CorrelationID)
		return model.Message{}, Ignored
	}
	now := m.opts.Clock.Now()
	key := rec.CorrelationID + "|" + string(rec.Status)
	if seen, ok := m.recent[key]; ok && now.Sub(seen) < m.opts.DedupWindow {
		return model.Message{}, Duplicate
	}
	m.recent[key] = now
	m.pruneRecent(now)

	msg, ok := m.log.Get(rec.CorrelationID)
	if !ok {
		m.buffer(rec, now)
		return model.Message{}, Buffered
	}
	out, changed := m.applyTo(msg, rec)
	if !changed {
		return out, Ignored
	}
	return out, Applied
}

func (m *Machine) buffer(rec model.DeliveryRecord, now time.Time) {
	if prev, ok := m.pending[rec.CorrelationID]; ok {
		merged := prev.rec
		merged.Status = model.MergeStatus(prev.rec.Status, rec.Status)
		if rec.PersistedID != "" {
			merged.PersistedID = rec.PersistedID
		}
		if rec.Reason != "" {
			merged.Reason = rec.Reason
		}
		rec = merged
	}
	m.pending[rec.CorrelationID] = pendingRecord{rec: rec, at: now}
	corr := rec.CorrelationID
	m.opts.Clock.AfterFunc(m.opts.PendingTTL, func() {
		if p, ok := m.pending[corr]; ok && p.at.Equal(now) {
			delete(m.pending, corr)
			logger.Debugf("delivery: dropped unmatched status %s for %s", p.rec.Status, corr)
		}
	})
}

// applyTo переводит сообщение в новый статус, если переход допустим.
// SAVED назначает серверный id.
func (m *Machine) applyTo(msg model.Message, rec model.DeliveryRecord) (model.Message, bool) {
	corr := msg.CorrelationID
	changed := false
	if model.CanTransition(msg.Status, rec.Status) {
		msg, _ = m.log.Update(corr, func(x *model.Message) { x.Status = rec.Status })
		changed = true
	}
	if rec.Status == model.StatusSaved && rec.PersistedID != "" && msg.ID != rec.PersistedID {
		if out, ok := m.log.AssignID(corr, rec.PersistedID); ok {
			msg = out
			changed = true
		}
	}
	if !changed {
		return msg, false
	}
	if msg.Status.Terminal() {
		m.stopTimer(corr)
		delete(m.unsent, corr)
	}
	if msg.Status == model.StatusFailed {
		logger.Warnf("delivery: %v", Failure(rec))
	}
	if m.opts.OnStatus != nil {
		r := rec
		r.Status = msg.Status
		if r.PersistedID == "" {
			r.PersistedID = msg.ID
		}
		m.opts.OnStatus(msg, r)
	}
	return msg, true
}

// Retry пересоздаёт FAILED (или так и не отправленное) сообщение с новым correlation id
// и тем же содержимым. Старая запись удаляется.
func (m *Machine) Retry(correlationID string) (model.Message, error) {
	msg, ok := m.log.Get(correlationID)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if msg.Persisted() || !(msg.Status == model.StatusFailed || m.unsent[msg.CorrelationID]) {
		return model.Message{}, ErrNotRetryable
	}
	m.forget(msg.CorrelationID)
	m.log.Remove(msg.CorrelationID)
	return m.NewOutgoing(msg.RoomID, msg.SenderID, msg.SenderName, msg.Content), nil
}

// Discard удаляет из лога сообщение, которое сервер ещё не сохранил.
func (m *Machine) Discard(key string) (model.Message, error) {
	msg, ok := m.log.Get(key)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if msg.Persisted() {
		return model.Message{}, ErrPersisted
	}
	m.forget(msg.CorrelationID)
	m.log.Remove(key)
	return msg, nil
}

// Unsent — число сообщений, которые так и не ушли в транспорт.
func (m *Machine) Unsent() int { return len(m.unsent) }

// PendingCount — число отложенных статусов.
func (m *Machine) PendingCount() int { return len(m.pending) }

// ShouldAck — нужно ли автоматически отправить отметку о прочтении.
func ShouldAck(msg model.Message, self string, foreground bool) bool {
	return foreground && msg.Persisted() && msg.SenderID != self && !msg.ReadBy.Has(self)
}

// Reset останавливает таймеры и очищает состояние (выход из комнаты).
func (m *Machine) Reset() {
	for corr := range m.timers {
		m.stopTimer(corr)
	}
	m.pending = make(map[string]pendingRecord)
	m.recent = make(map[string]time.Time)
	m.unsent = make(map[string]bool)
}

func (m *Machine) forget(corr string) {
	m.stopTimer(corr)
	delete(m.unsent, corr)
	delete(m.pending, corr)
}

func (m *Machine) stopTimer(corr string) {
	if t, ok := m.timers[corr]; ok {
		t.Stop()
		delete(m.timers, corr)
	}
}

func (m *Machine) pruneRecent(now time.Time) {
	if len(m.recent) < 64 {
		return
	}
	for k, t := range m.recent {
		if now.Sub(t) >= m.opts.DedupWindow {
			delete(m.recent, k)
		}
	}
}
