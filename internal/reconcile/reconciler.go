// Package reconcile — закрепы, реакции и отметки о прочтении:
// оптимистичное локальное изменение, запрос к серверу, откат при ошибке.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
)

var ErrUnknownMessage = errors.New("reconcile: unknown or unsaved message")

// ReconciliationError — сервер отклонил изменение; состояние уже откачено.
type ReconciliationError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile.%s message=%s: %v", e.Op, e.MessageID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// API — серверная сторона изменений; *api.Client её реализует.
type API interface {
	Pin(ctx context.Context, roomID, messageID string) error
	Unpin(ctx context.Context, roomID, messageID string) error
	ToggleReaction(ctx context.Context, roomID, messageID, reactionType string) ([]model.ReactionGroup, error)
	MarkRead(ctx context.Context, roomID string, messageIDs []string) error
}

// Runner выполняет call асинхронно и доставляет результат в done в цикле сессии.
type Runner interface {
	Run(call func(ctx context.Context) (any, error), done func(result any, err error))
}

type Options struct {
	RoomID string
	UserID string
	Clock  clock.Clock

	OnPinChange     func(model.PinnedSet)
	OnMessageUpdate func(model.Message)
	// OnFailure — для логов и метрик; UI об ошибке не уведомляется.
	OnFailure func(*ReconciliationError)
}

type reactOp struct {
	seq int
	typ string
}

// Reconciler не потокобезопасен: живёт в цикле сессии.
type Reconciler struct {
	opts Options
	log  *messagelog.Log
	api  API
	run  Runner

	epoch int

	pins       model.PinnedSet
	pinSnap    model.PinnedSet
	pinSeq     int
	pinPending int

	// Реакции: последнее подтверждённое сервером состояние и переключения в полёте.
	reactSeq  map[string]int
	reactBase map[string]model.Reactions
	reactOps  map[string][]reactOp

	readConfirmed map[string]bool
}

func New(log *messagelog.Log, api API, run Runner, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Reconciler{
		opts:          opts,
		log:           log,
		api:           api,
		run:           run,
		reactSeq:      make(map[string]int),
		reactBase:     make(map[string]model.Reactions),
		reactOps:      make(map[string][]reactOp),
		readConfirmed: make(map[string]bool),
	}
}

// Pinned — текущий (возможно оптимистичный) закреп.
func (r *Reconciler) Pinned() model.PinnedSet { return r.pins.Clone() }

// Pin закрепляет сообщение, вытесняя предыдущий закреп. При ошибке восстанавливается
// снимок, снятый до изменения, если за это время не было более нового изменения.
func (r *Reconciler) Pin(messageID string) error {
	msg, ok := r.log.Get(messageID)
	if !ok || !msg.Persisted() {
		return ErrUnknownMessage
	}
	if r.pins.Has(msg.ID) {
		return nil
	}
	next := model.PinnedSet{Pin: &model.PinnedMessage{
		RoomID:    r.opts.RoomID,
		MessageID: msg.ID,
		PinnedBy:  r.opts.UserID,
		PinnedAt:  r.opts.Clock.Now(),
	}}
	r.mutatePins("Pin", msg.ID, next, func(ctx context.Context) error {
		return r.api.Pin(ctx, r.opts.RoomID, msg.ID)
	})
	return nil
}

// Unpin снимает закреп с сообщения. Если оно не закреплено — ничего не делает.
func (r *Reconciler) Unpin(messageID string) error {
	id := messageID
	if msg, ok := r.log.Get(messageID); ok && msg.Persisted() {
		id = msg.ID
	}
	if !r.pins.Has(id) {
		return nil
	}
	r.mutatePins("Unpin", id, model.PinnedSet{}, func(ctx context.Context) error {
		return r.api.Unpin(ctx, r.opts.RoomID, id)
	})
	return nil
}

func (r *Reconciler) mutatePins(op, messageID string, next model.PinnedSet, call func(ctx context.Context) error) {
	prev := r.pins.Clone()
	r.pinSnap = prev
	r.pins = next
	r.pinSeq++
	r.pinPending++
	seq, epoch := r.pinSeq, r.epoch
	r.notifyPins()

	r.run.Run(func(ctx context.Context) (any, error) {
		return nil, call(ctx)
	}, func(_ any, err error) {
		if epoch != r.epoch {
			return
		}
		r.pinPending--
		if err == nil {
			return
		}
		r.fail(op, messageID, err)
		switch {
		case seq == r.pinSeq:
			r.pins = r.pinSnap.Clone()
			r.notifyPins()
		case r.pinSnap.MessageID() == next.MessageID():
			// Более новое изменение откатится к состоянию до этого.
			r.pinSnap = prev
		}
	})
}

// HandlePin — входящий закреп от сервера: последний закреп побеждает.
func (r *Reconciler) HandlePin(p model.PinPayload) {
	if p.MessageID == "" || (p.RoomID != "" && p.RoomID != r.opts.RoomID) {
		return
	}
	next := model.PinnedSet{Pin: &model.PinnedMessage{RoomID: r.opts.RoomID, MessageID: p.MessageID, PinnedBy: p.PinnedBy, PinnedAt: p.PinnedAt}}
	if r.pinPending > 0 {
		r.pinSnap = next.Clone()
	}
	if r.pins.Has(p.MessageID) && r.pins.Pin.PinnedBy == p.PinnedBy {
		r.pins = next
		return
	}
	r.pins = next
	r.notifyPins()
}

// HandleUnpin — входящее открепление.
func (r *Reconciler) HandleUnpin(p model.PinPayload) {
	if p.RoomID != "" && p.RoomID != r.opts.RoomID {
		return
	}
	if r.pinPending > 0 && r.pinSnap.Has(p.MessageID) {
		r.pinSnap = model.PinnedSet{}
	}
	if !r.pins.Has(p.MessageID) {
		return
	}
	r.pins = model.PinnedSet{}
	r.notifyPins()
}

// HandleDeleted снимает закреп с удалённого сообщения без запроса к серверу.
func (r *Reconciler) HandleDeleted(messageID string) {
	r.HandleUnpin(model.PinPayload{MessageID: messageID})
}

// ToggleReaction добавляет или снимает реакцию текущего пользователя.
// Ответ сервера авторитетен. Видимое состояние — подтверждённое сервером плюс
// переключения в полёте, поэтому отклонённое переключение исчезает, даже если
// за ним уже отправлено следующее.
func (r *Reconciler) ToggleReaction(messageID, reactionType string) error {
	msg, ok := r.log.Get(messageID)
	if !ok || !msg.Persisted() || reactionType == "" {
		return ErrUnknownMessage
	}
	id := msg.ID
	if len(r.reactOps[id]) == 0 {
		r.reactBase[id] = msg.Reactions.Clone()
	}
	updated, _ := r.log.Update(id, func(m *model.Message) {
		m.Reactions = m.Reactions.Toggle(reactionType, r.opts.UserID)
	})
	r.notifyMessage(updated)

	r.reactSeq[id]++
	op := reactOp{seq: r.reactSeq[id], typ: reactionType}
	r.reactOps[id] = append(r.reactOps[id], op)
	epoch := r.epoch

	r.run.Run(func(ctx context.Context) (any, error) {
		return r.api.ToggleReaction(ctx, r.opts.RoomID, id, reactionType)
	}, func(res any, err error) {
		if epoch != r.epoch {
			return
		}
		r.dropReactOp(id, op.seq)
		if err != nil {
			r.fail("ToggleReaction", id, err)
		} else if groups, ok := res.([]model.ReactionGroup); ok {
			r.reactBase[id] = model.FromGroups(groups)
		}
		view := r.reactBase[id]
		for _, p := range r.reactOps[id] {
			view = view.Toggle(p.typ, r.opts.UserID)
		}
		if len(r.reactOps[id]) == 0 {
			delete(r.reactOps, id)
			delete(r.reactBase, id)
		}
		r.setReactions(id, view)
	})
	return nil
}

func (r *Reconciler) dropReactOp(id string, seq int) {
	ops := r.reactOps[id]
	for i, p := range ops {
		if p.seq == seq {
			r.reactOps[id] = append(ops[:i:i], ops[i+1:]...)
			return
		}
	}
}

// HandleReaction — авторитетный список реакций от сервера. Пока своё изменение
// в полёте, событие пропускается: ответ на него тоже авторитетен.
func (r *Reconciler) HandleReaction(p model.ReactionPayload) {
	if p.RoomID != "" && p.RoomID != r.opts.RoomID {
		return
	}
	if len(r.reactOps[p.MessageID]) > 0 {
		return
	}
	r.setReactions(p.MessageID, p.Reactions)
}

func (r *Reconciler) setReactions(id string, reactions model.Reactions) {
	cur, ok := r.log.Get(id)
	if !ok || cur.Reactions.Equal(reactions) {
		return
	}
	updated, _ := r.log.Update(id, func(m *model.Message) { m.Reactions = reactions.Clone() })
	r.notifyMessage(updated)
}

// MarkRead отмечает сообщения собеседников прочитанными.
func (r *Reconciler) MarkRead(messageIDs []string) {
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	r.markRead(func(m *model.Message) bool { return want[m.ID] || want[m.CorrelationID] }, messageIDs)
}

// MarkAllRead — массовая отметка всей комнаты.
func (r *Reconciler) MarkAllRead() {
	r.markRead(func(*model.Message) bool { return true }, nil)
}

func (r *Reconciler) markRead(match func(*model.Message) bool, requested []string) {
	self := r.opts.UserID
	var affected []string
	var updated []model.Message
	r.log.Each(func(m *model.Message) bool {
		if !m.Persisted() || m.SenderID == self || m.ReadBy.Has(self) || !match(m) {
			return true
		}
		m.ReadBy = m.ReadBy.With(self)
		affected = append(affected, m.ID)
		updated = append(updated, m.Clone())
		return true
	})
	if len(affected) == 0 {
		return
	}
	for _, m := range updated {
		r.notifyMessage(m)
	}

	ids := affected
	if requested == nil {
		ids = nil
	}
	epoch := r.epoch
	r.run.Run(func(ctx context.Context) (any, error) {
		return nil, r.api.MarkRead(ctx, r.opts.RoomID, ids)
	}, func(_ any, err error) {
		if epoch != r.epoch || err == nil {
			return
		}
		r.fail("MarkRead", fmt.Sprintf("%d messages", len(affected)), err)
		for _, id := range affected {
			if r.readConfirmed[id] {
				continue
			}
			if m, ok := r.log.Update(id, func(m *model.Message) { m.ReadBy = m.ReadBy.Without(self) }); ok {
				r.notifyMessage(m)
			}
		}
	})
}

// HandleRead — входящие отметки: только объединение с readBy, без перезаписи.
func (r *Reconciler) HandleRead(p model.ReadPayload) {
	if p.UserID == "" || (p.RoomID != "" && p.RoomID != r.opts.RoomID) {
		return
	}
	want := make(map[string]bool, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		want[id] = true
	}
	var updated []model.Message
	r.log.Each(func(m *model.Message) bool {
		if !m.Persisted() || m.SenderID == p.UserID {
			return true
		}
		if !p.All && !want[m.ID] {
			return true
		}
		if p.UserID == r.opts.UserID {
			r.readConfirmed[m.ID] = true
		}
		if m.ReadBy.Has(p.UserID) {
			return true
		}
		m.ReadBy = m.ReadBy.With(p.UserID)
		updated = append(updated, m.Clone())
		return true
	})
	for _, m := range updated {
		r.notifyMessage(m)
	}
}

// Reset забывает состояние; ответы на старые запросы игнорируются.
func (r *Reconciler) Reset() {
	r.epoch++
	r.pins, r.pinSnap = model.PinnedSet{}, model.PinnedSet{}
	r.pinPending = 0
	r.reactSeq = make(map[string]int)
	r.reactBase = make(map[string]model.Reactions)
	r.reactOps = make(map[string][]reactOp)
	r.readConfirmed = make(map[string]bool)
}

func (r *Reconciler) fail(op, messageID string, err error) {
	re := &ReconciliationError{Op: op, MessageID: messageID, Err: err}
	logger.Warnf("%v (rolled back)", re)
	if r.opts.OnFailure != nil {
		r.opts.OnFailure(re)
	}
}

func (r *Reconciler) notifyPins() {
	if r.opts.OnPinChange != nil {
		r.opts.OnPinChange(r.pins.Clone())
	}
}

func (r *Reconciler) notifyMessage(m model.Message) {
	if r.opts.OnMessageUpdate != nil {
		r.opts.OnMessageUpdate(m)
	}
}
