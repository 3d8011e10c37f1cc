// Package engine — RoomSession: один цикл событий на комнату, связывающий
// транспорт, лог сообщений, доставку, синхронизацию, присутствие и реконсиляцию.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/delivery"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/reconcile"
	"github.com/chatsync/internal/syncer"
	"github.com/chatsync/internal/transport"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed — сессия закрыта.
	ErrClosed = errors.New("engine: session closed")
	// ErrEmptyMessage — нечего отправлять.
	ErrEmptyMessage = errors.New("engine: empty message")
	// ErrNotOwner — редактировать и удалять можно только свои сообщения.
	ErrNotOwner = errors.New("engine: not the sender of the message")
)

// Callbacks — поверхность для UI. Все колбэки вызываются по очереди из одной
// горутины-диспетчера, не из цикла сессии; из них можно вызывать методы Session.
type Callbacks struct {
	OnMessage         func(model.Message)
	OnMessageStatus   func(model.DeliveryRecord)
	OnMessageUpdate   func(model.Message)
	OnSyncBatch       func(syncer.Batch)
	OnTypingChange    func(model.TypingSet)
	OnPinChange       func(model.PinnedSet)
	OnPresenceChange  func(userID string, active bool)
	OnConnectionError func(*transport.ConnectionError)
	OnStateChange     func(transport.State)
}

// Options — настройки сессии; пустые поля заполняются по умолчанию.
type Options struct {
	Config   config.EngineConfig
	Clock    clock.Clock
	Viewport syncer.Viewport
	// API по умолчанию — HTTP-клиент на Config.APIURL.
	API   reconcile.API
	NewID func() string
}

// Session — активная комната. Методы потокобезопасны.
type Session struct {
	sess model.Session
	cb   Callbacks
	opts Options

	conn   *transport.Connection
	loop   *worker
	events *worker
	ctx    context.Context
	cancel context.CancelFunc
	calls  errgroup.Group

	// Ниже — только из цикла.
	log        *messagelog.Log
	delivery   *delivery.Machine
	sync       *syncer.Coordinator
	presence   *presence.Channel
	reconcile  *reconcile.Reconciler
	foreground bool
	closed     bool
}

// Open подключается к комнате, регистрирует обработчики и запрашивает INITIAL.
func Open(ctx context.Context, sess model.Session, cb Callbacks, opts Options) (*Session, error) {
	if sess.RoomID == "" || sess.UserID == "" {
		return nil, fmt.Errorf("engine.Open: room_id and user_id are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Session{
		sess:       sess,
		cb:         cb,
		opts:       opts,
		loop:       newWorker(),
		events:     newWorker(),
		log:        messagelog.New(),
		foreground: true,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	lc := loopClock{inner: opts.Clock, loop: s.loop}

	topts := transport.OptionsFromConfig(opts.Config)
	topts.Clock = opts.Clock
	topts.OnStateChange = func(st transport.State) {
		s.emit(func() {
			if s.cb.OnStateChange != nil {
				s.cb.OnStateChange(st)
			}
		})
	}
	topts.OnReconnect = func() { s.loop.post(s.resume) }
	topts.OnError = func(ce *transport.ConnectionError) {
		s.emit(func() {
			if s.cb.OnConnectionError != nil {
				s.cb.OnConnectionError(ce)
			}
		})
	}
	s.conn = transport.New(topts)

	cfg := opts.Config
	s.delivery = delivery.New(s.log, delivery.Options{
		DedupWindow: cfg.StatusDedupWindow,
		PendingTTL:  cfg.PendingStatusTTL,
		Timeout:     cfg.DeliveryTimeout,
		Clock:       lc,
		NewID:       opts.NewID,
		OnStatus:    s.onStatus,
	})
	s.sync = syncer.New(s.log, s.delivery, s.conn, opts.Viewport, syncer.Options{
		RoomID:          sess.RoomID,
		UserID:          sess.UserID,
		InitialPageSize: cfg.InitialPageSize,
		PageSize:        cfg.PageSize,
		Timeout:         cfg.SyncTimeout,
		Clock:           lc,
		NewID:           opts.NewID,
		OnBatch: func(b syncer.Batch) {
			s.emit(func() {
				if s.cb.OnSyncBatch != nil {
					s.cb.OnSyncBatch(b)
				}
			})
		},
	})
	s.presence = presence.New(s.conn, presence.Options{
		RoomID:            sess.RoomID,
		UserID:            sess.UserID,
		Username:          sess.Username,
		TypingDebounce:    cfg.TypingDebounce,
		TypingMinInterval: cfg.TypingMinInterval,
		TypingIdle:        cfg.TypingIdle,
		TypingTTL:         cfg.TypingTTL,
		ActiveDebounce:    cfg.ActiveDebounce,
		Clock:             lc,
		OnTypingChange: func(set model.TypingSet) {
			s.emit(func() {
				if s.cb.OnTypingChange != nil {
					s.cb.OnTypingChange(set)
				}
			})
		},
		OnPresenceChange: func(user string, active bool) {
			s.emit(func() {
				if s.cb.OnPresenceChange != nil {
					s.cb.OnPresenceChange(user, active)
				}
			})
		},
	})
	apiClient := opts.API
	if apiClient == nil {
		apiClient = api.NewClient(cfg.APIURL, sess.AuthToken, sess.UserID, cfg.APITimeout)
	}
	s.reconcile = reconcile.New(s.log, apiClient, loopRunner{ctx: s.ctx, loop: s.loop, g: &s.calls}, reconcile.Options{
		RoomID: sess.RoomID,
		UserID: sess.UserID,
		Clock:  lc,
		OnPinChange: func(p model.PinnedSet) {
			s.emit(func() {
				if s.cb.OnPinChange != nil {
					s.cb.OnPinChange(p)
				}
			})
		},
		OnMessageUpdate: s.emitUpdate,
	})

	s.subscribe()
	if err := s.conn.Connect(ctx, sess); err != nil {
		s.conn.ClearAllHandlers()
		s.conn.Disconnect()
		s.shutdown()
		return nil, fmt.Errorf("engine.Open room=%s: %w", sess.RoomID, err)
	}
	s.loop.post(func() { s.sync.RequestInitial() })
	logger.Infof("engine: joined room %s as %s", sess.RoomID, sess.UserID)
	return s, nil
}

// Room — идентичность сессии.
func (s *Session) Room() model.Session { return s.sess }

// subscribe: обработчики вызываются из горутины чтения и только декодируют кадр.
func (s *Session) subscribe() {
	on := func(ch model.Channel, fn func(json.RawMessage) error) {
		s.conn.Subscribe(ch, func(raw json.RawMessage) {
			s.loop.post(func() {
				if s.closed {
					return
				}
				if err := fn(raw); err != nil {
					logger.Warnf("engine: bad %s frame: %v", ch, err)
				}
			})
		})
	}
	on(model.ChannelMessageNew, func(raw json.RawMessage) error {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		s.handleNew(m)
		return nil
	})
	on(model.ChannelMessageStatus, func(raw json.RawMessage) error {
		var rec model.DeliveryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.RoomID != "" && rec.RoomID != s.sess.RoomID {
			return nil
		}
		s.delivery.ApplyStatus(rec)
		return nil
	})
	on(model.ChannelMessageUpdated, func(raw json.RawMessage) error {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		s.handleUpdated(m)
		return nil
	})
	on(model.ChannelMessageDeleted, func(raw json.RawMessage) error {
		var p model.DeletedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.handleDeleted(p)
		return nil
	})
	on(model.ChannelSyncBatch, func(raw json.RawMessage) error {
		var b model.SyncBatch
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		s.sync.HandleBatch(b)
		s.ackVisible()
		return nil
	})
	on(model.ChannelTyping, func(raw json.RawMessage) error {
		var p model.TypingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.presence.HandleTyping(p)
		return nil
	})
	on(model.ChannelPresence, func(raw json.RawMessage) error {
		var p model.PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.presence.HandlePresence(p)
		return nil
	})
	on(model.ChannelRead, func(raw json.RawMessage) error {
		var p model.ReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.reconcile.HandleRead(p)
		return nil
	})
	on(model.ChannelReaction, func(raw json.RawMessage) error {
		var p model.ReactionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.reconcile.HandleReaction(p)
		return nil
	})
	on(model.ChannelPin, func(raw json.RawMessage) error {
		var p model.PinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.reconcile.HandlePin(p)
		return nil
	})
	on(model.ChannelUnpin, func(raw json.RawMessage) error {
		var p model.PinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.reconcile.HandleUnpin(p)
		return nil
	})
	on(model.ChannelError, func(raw json.RawMessage) error {
		var p model.ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		logger.Warnf("engine: server error in room %s: %s", s.sess.RoomID, p.Reason)
		return nil
	})
}

func (s *Session) handleNew(m model.Message) {
	if m.RoomID != "" && m.RoomID != s.sess.RoomID {
		return
	}
	out, inserted := s.delivery.Upsert(m)
	s.sync.ObserveLive(out)
	if inserted {
		s.emitMessage(out)
	} else {
		s.emitUpdate(out)
	}
	if delivery.ShouldAck(out, s.sess.UserID, s.foreground) {
		s.reconcile.MarkRead([]string{out.ID})
	}
}

func (s *Session) handleUpdated(m model.Message) {
	if m.RoomID != "" && m.RoomID != s.sess.RoomID {
		return
	}
	if !m.Persisted() || !s.log.Has(m.ID) {
		// Правка сообщения вне загруженного окна.
		return
	}
	out, _ := s.delivery.Upsert(m)
	s.emitUpdate(out)
}

func (s *Session) handleDeleted(p model.DeletedPayload) {
	if p.RoomID != "" && p.RoomID != s.sess.RoomID {
		return
	}
	m, ok := s.log.Remove(p.MessageID)
	s.sync.Forget(p.MessageID)
	s.reconcile.HandleDeleted(p.MessageID)
	if ok {
		s.emitUpdate(m.Tombstone())
	}
}

func (s *Session) onStatus(m model.Message, rec model.DeliveryRecord) {
	if m.Status == model.StatusSaved {
		s.sync.ObserveLive(m)
	}
	s.emit(func() {
		if s.cb.OnMessageStatus != nil {
			s.cb.OnMessageStatus(rec)
		}
	})
}

// resume — мягкое переподключение: догрузка пропущенного через AFTER.
func (s *Session) resume() {
	if s.closed {
		return
	}
	logger.Infof("engine: reconnected to room %s, resuming from %q", s.sess.RoomID, s.sync.Cursor().NewestLoadedID)
	// Ответы на запросы старого сокета уже не придут.
	s.sync.Abandon()
	if !s.sync.RequestAfter() {
		logger.Warnf("engine: room %s: resume sync not sent", s.sess.RoomID)
	}
}

// ackVisible отправляет отметки о прочтении для сообщений собеседников, пока окно видно.
func (s *Session) ackVisible() {
	if !s.foreground {
		return
	}
	var ids []string
	s.log.Each(func(m *model.Message) bool {
		if delivery.ShouldAck(*m, s.sess.UserID, true) {
			ids = append(ids, m.ID)
		}
		return true
	})
	if len(ids) > 0 {
		s.reconcile.MarkRead(ids)
	}
}

func (s *Session) emit(f func()) { s.events.post(f) }

func (s *Session) emitMessage(m model.Message) {
	m = m.Clone()
	s.emit(func() {
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(m)
		}
	})
}

func (s *Session) emitUpdate(m model.Message) {
	m = m.Clone()
	s.emit(func() {
		if s.cb.OnMessageUpdate != nil {
			s.cb.OnMessageUpdate(m)
		}
	})
}

// do выполняет f в цикле и ждёт результата.
func (s *Session) do(f func() error) error {
	var err error
	ok := s.loop.call(func() {
		if s.closed {
			err = ErrClosed
			return
		}
		err = f()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// SendMessage добавляет сообщение в лог в статусе SENDING и публикует его.
// Без соединения сообщение остаётся SENDING до повтора пользователем.
func (s *Session) SendMessage(text string) (model.Message, error) {
	return s.send(model.Content{Text: text})
}

// SendContent — отправка с вложением.
func (s *Session) SendContent(content model.Content) (model.Message, error) {
	return s.send(content)
}

func (s *Session) send(content model.Content) (model.Message, error) {
	content.Text = strings.TrimSpace(content.Text)
	if content.Empty() {
		return model.Message{}, ErrEmptyMessage
	}
	var out model.Message
	err := s.do(func() error {
		msg := s.delivery.NewOutgoing(s.sess.RoomID, s.sess.UserID, s.sess.Username, content)
		s.emitMessage(msg)
		s.publish(msg)
		out = msg.Clone()
		return nil
	})
	return out, err
}

func (s *Session) publish(msg model.Message) {
	ok := s.conn.Publish(model.ChannelMessageSend, model.SendPayload{
		RoomID:        msg.RoomID,
		UserID:        msg.SenderID,
		CorrelationID: msg.CorrelationID,
		SenderName:    msg.SenderName,
		Content:       msg.Content,
		CreatedAt:     msg.CreatedAt,
	})
	if ok {
		s.delivery.MarkPublished(msg.CorrelationID)
	}
}

// RetryMessage пересоздаёт FAILED или неотправленное сообщение с новым correlation id.
func (s *Session) RetryMessage(correlationID string) (model.Message, error) {
	var out model.Message
	err := s.do(func() error {
		old, _ := s.log.Get(correlationID)
		msg, err := s.delivery.Retry(correlationID)
		if err != nil {
			return err
		}
		s.emitUpdate(old.Tombstone())
		s.emitMessage(msg)
		s.publish(msg)
		out = msg.Clone()
		return nil
	})
	return out, err
}

// DeleteMessage: несохранённое сообщение удаляется локально, сохранённое —
// запросом к серверу; из лога оно уйдёт по message.deleted.
func (s *Session) DeleteMessage(key string) error {
	return s.do(func() error {
		m, ok := s.log.Get(key)
		if !ok {
			return delivery.ErrUnknownMessage
		}
		if !m.Persisted() {
			removed, err := s.delivery.Discard(key)
			if err != nil {
				return err
			}
			s.emitUpdate(removed.Tombstone())
			return nil
		}
		if m.SenderID != s.sess.UserID {
			return ErrNotOwner
		}
		if !s.conn.Publish(model.ChannelMessageDelete, model.DeletePayload{RoomID: s.sess.RoomID, UserID: s.sess.UserID, MessageID: m.ID}) {
			return transport.ErrNotConnected
		}
		return nil
	})
}

// EditMessage отправляет правку; лог обновится по message.updated.
func (s *Session) EditMessage(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return s.do(func() error {
		m, ok := s.log.Get(id)
		if !ok || !m.Persisted() {
			return delivery.ErrUnknownMessage
		}
		if m.SenderID != s.sess.UserID {
			return ErrNotOwner
		}
		if !s.conn.Publish(model.ChannelMessageEdit, model.EditPayload{RoomID: s.sess.RoomID, UserID: s.sess.UserID, MessageID: m.ID, Text: text}) {
			return transport.ErrNotConnected
		}
		return nil
	})
}

// RequestOlderMessages — скролл у верхней границы. false, если запрос подавлен.
func (s *Session) RequestOlderMessages() bool {
	var issued bool
	_ = s.do(func() error {
		issued = s.sync.RequestBefore()
		return nil
	})
	return issued
}

// PinMessage — оптимистичный закреп, вытесняющий предыдущий.
func (s *Session) PinMessage(id string) error {
	return s.do(func() error { return s.reconcile.Pin(id) })
}

// UnpinMessage снимает закреп с сообщения.
func (s *Session) UnpinMessage(id string) error {
	return s.do(func() error { return s.reconcile.Unpin(id) })
}

// ToggleReaction переключает реакцию текущего пользователя.
func (s *Session) ToggleReaction(id, reactionType string) error {
	return s.do(func() error { return s.reconcile.ToggleReaction(id, reactionType) })
}

// MarkAllRead отмечает прочитанными все загруженные сообщения собеседников.
func (s *Session) MarkAllRead() error {
	return s.do(func() error {
		s.reconcile.MarkAllRead()
		return nil
	})
}

// SetTyping — ввод текста; отправка с дебаунсом.
func (s *Session) SetTyping(isTyping bool) {
	_ = s.do(func() error {
		s.presence.SetTyping(isTyping)
		return nil
	})
}

// SetActive — статус активности, уходит только при изменении.
func (s *Session) SetActive(active bool) {
	_ = s.do(func() error {
		s.presence.SetActive(active)
		return nil
	})
}

// SetForeground — видимость окна. При возврате на передний план
// отправляются отметки о прочтении накопившихся сообщений.
func (s *Session) SetForeground(visible bool) {
	_ = s.do(func() error {
		s.foreground = visible
		s.ackVisible()
		return nil
	})
}

// SetViewport подключает окно прокрутки UI.
func (s *Session) SetViewport(vp syncer.Viewport) {
	_ = s.do(func() error {
		s.sync.SetViewport(vp)
		return nil
	})
}

// Online — сеть вернулась: немедленная попытка переподключения.
func (s *Session) Online() { s.conn.Online() }

// Offline — сеть пропала: сессия деградирует без повторов.
func (s *Session) Offline() { s.conn.Offline() }

// Reconnect — ручной повтор после ConnectionError.
func (s *Session) Reconnect(ctx context.Context) error { return s.conn.Reconnect(ctx) }

// State — состояние транспорта.
func (s *Session) State() transport.State { return s.conn.State() }

// IsConnected — есть ли живое соединение.
func (s *Session) IsConnected() bool { return s.conn.IsConnected() }

// Messages — снапшот лога.
func (s *Session) Messages() []model.Message {
	var out []model.Message
	_ = s.do(func() error {
		out = s.log.Messages()
		return nil
	})
	return out
}

// Message возвращает сообщение по id или correlation id.
func (s *Session) Message(key string) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	_ = s.do(func() error {
		out, ok = s.log.Get(key)
		return nil
	})
	return out, ok
}

// Cursor — текущий SyncCursor.
func (s *Session) Cursor() model.SyncCursor {
	var out model.SyncCursor
	_ = s.do(func() error {
		out = s.sync.Cursor()
		return nil
	})
	return out
}

// Loading — есть ли запрос синхронизации в полёте.
func (s *Session) Loading(dir model.Direction) bool {
	var out bool
	_ = s.do(func() error {
		out = s.sync.Loading(dir)
		return nil
	})
	return out
}

// Typing — кто сейчас печатает.
func (s *Session) Typing() model.TypingSet {
	var out model.TypingSet
	_ = s.do(func() error {
		out = s.presence.Typing()
		return nil
	})
	return out
}

// Pinned — текущий закреп, возможно ещё не подтверждённый.
func (s *Session) Pinned() model.PinnedSet {
	var out model.PinnedSet
	_ = s.do(func() error {
		out = s.reconcile.Pinned()
		return nil
	})
	return out
}

// Close снимает обработчики, синхронно закрывает соединение и уничтожает лог.
// Повторный вызов безопасен.
func (s *Session) Close() {
	first := false
	s.loop.call(func() {
		if s.closed {
			return
		}
		first = true
		s.closed = true
		s.presence.Stop()
	})
	if !first {
		return
	}
	s.conn.ClearAllHandlers()
	s.conn.Disconnect()
	s.shutdown()
	logger.Infof("engine: left room %s", s.sess.RoomID)
}

func (s *Session) shutdown() {
	s.cancel()
	_ = s.calls.Wait()
	s.loop.call(func() {
		s.closed = true
		s.reconcile.Reset()
		s.sync.Reset()
		s.delivery.Reset()
		s.log.Reset()
	})
	s.loop.stop(false)
	s.loop.wait()
	s.events.stop(true)
}
