// Package presence — индикаторы набора текста и активности пользователя в комнате.
// Не связан с сохранением сообщений: все сигналы эфемерны.
package presence

import (
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"golang.org/x/time/rate"
)

// Publisher — исходящий канал; *transport.Connection его реализует.
type Publisher interface {
	Publish(ch model.Channel, payload any) bool
}

type Options struct {
	RoomID   string
	UserID   string
	Username string

	TypingDebounce    time.Duration
	TypingMinInterval time.Duration
	TypingIdle        time.Duration
	TypingTTL         time.Duration
	ActiveDebounce    time.Duration

	Clock clock.Clock

	OnTypingChange   func(model.TypingSet)
	OnPresenceChange func(userID string, active bool)
}

// Channel не потокобезопасен: живёт в цикле сессии, таймеры приходят туда же.
type Channel struct {
	opts    Options
	pub     Publisher
	limiter *rate.Limiter

	wantTyping   bool
	sentTyping   bool
	lastTrueSent time.Time
	flushTimer   clock.Timer
	flushWant    bool
	idleTimer    clock.Timer

	wantActive  bool
	sentActive  bool
	activeKnown bool
	activeTimer clock.Timer

	typing  model.TypingSet
	expiry  map[string]clock.Timer
	online  map[string]bool
	stopped bool
}

func New(pub Publisher, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 200 * time.Millisecond
	}
	if opts.TypingMinInterval <= 0 {
		opts.TypingMinInterval = 100 * time.Millisecond
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = time.Second
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	if opts.ActiveDebounce <= 0 {
		opts.ActiveDebounce = 500 * time.Millisecond
	}
	return &Channel{
		opts:    opts,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Every(opts.TypingMinInterval), 1),
		typing:  make(model.TypingSet),
		expiry:  make(map[string]clock.Timer),
		online:  make(map[string]bool),
	}
}

// SetTyping — локальный ввод. Эмиссия с задержкой на хвосте окна debounce,
// не чаще одного раза в TypingMinInterval. Без ввода в течение TypingIdle
// автоматически уходит is_typing=false.
func (c *Channel) SetTyping(isTyping bool) {
	if c.stopped {
		return
	}
	c.wantTyping = isTyping
	if isTyping {
		stop(&c.idleTimer)
		c.idleTimer = c.opts.Clock.AfterFunc(c.opts.TypingIdle, c.idle)
	} else {
		stop(&c.idleTimer)
	}
	if c.flushTimer != nil && c.flushWant == isTyping {
		return
	}
	stop(&c.flushTimer)
	c.flushWant = isTyping
	c.flushTimer = c.opts.Clock.AfterFunc(c.opts.TypingDebounce, func() {
		c.flushTimer = nil
		c.flushTyping()
	})
}

func (c *Channel) idle() {
	c.idleTimer = nil
	if !c.wantTyping {
		return
	}
	c.wantTyping = false
	stop(&c.flushTimer)
	c.flushTyping()
}

func (c *Channel) flushTyping() {
	if c.stopped {
		return
	}
	want := c.wantTyping
	now := c.opts.Clock.Now()
	if want == c.sentTyping {
		// Повтор true раз в половину TTL, чтобы у собеседников не истекла запись.
		if !want || now.Sub(c.lastTrueSent) < c.opts.TypingTTL/2 {
			return
		}
	}
	if !c.limiter.AllowN(now, 1) {
		c.flushWant = want
		c.flushTimer = c.opts.Clock.AfterFunc(c.opts.TypingMinInterval, func() {
			c.flushTimer = nil
			c.flushTyping()
		})
		return
	}
	ok := c.pub.Publish(model.ChannelTyping, model.TypingPayload{
		RoomID:   c.opts.RoomID,
		UserID:   c.opts.UserID,
		Username: c.opts.Username,
		IsTyping: want,
	})
	if !ok {
		return
	}
	c.sentTyping = want
	if want {
		c.lastTrueSent = now
	}
}

// SetActive — активность пользователя (фокус окна). Debounce и эмиссия только при смене значения.
func (c *Channel) SetActive(active bool) {
	if c.stopped {
		return
	}
	c.wantActive = active
	stop(&c.activeTimer)
	c.activeTimer = c.opts.Clock.AfterFunc(c.opts.ActiveDebounce, func() {
		c.activeTimer = nil
		c.flushActive()
	})
}

func (c *Channel) flushActive() {
	if c.activeKnown && c.sentActive == c.wantActive {
		return
	}
	ok := c.pub.Publish(model.ChannelPresence, model.PresencePayload{
		RoomID: c.opts.RoomID,
		UserID: c.opts.UserID,
		Active: c.wantActive,
	})
	if ok {
		c.activeKnown = true
		c.sentActive = c.wantActive
	}
}

// HandleTyping — входящий индикатор. Запись живёт TypingTTL без повторов,
// отсутствие сигнала равносильно явной остановке.
func (c *Channel) HandleTyping(p model.TypingPayload) {
	if p.UserID == "" || p.UserID == c.opts.UserID || (p.RoomID != "" && p.RoomID != c.opts.RoomID) {
		return
	}
	if !p.IsTyping {
		if c.removeTyping(p.UserID) {
			c.notifyTyping()
		}
		return
	}
	user := p.UserID
	expiresAt := c.opts.Clock.Now().Add(c.opts.TypingTTL)
	if t, ok := c.expiry[user]; ok {
		t.Stop()
	}
	c.typing[user] = model.TypingEntry{UserID: user, Username: p.Username, ExpiresAt: expiresAt}
	c.expiry[user] = c.opts.Clock.AfterFunc(c.opts.TypingTTL, func() {
		e, ok := c.typing[user]
		if !ok || e.ExpiresAt.After(c.opts.Clock.Now()) {
			return
		}
		delete(c.typing, user)
		delete(c.expiry, user)
		logger.Debugf("presence: typing of %s expired", user)
		c.notifyTyping()
	})
	c.notifyTyping()
}

func (c *Channel) removeTyping(user string) bool {
	if _, ok := c.typing[user]; !ok {
		return false
	}
	delete(c.typing, user)
	if t, ok := c.expiry[user]; ok {
		t.Stop()
		delete(c.expiry, user)
	}
	return true
}

// HandlePresence — входящая активность участника.
func (c *Channel) HandlePresence(p model.PresencePayload) {
	if p.UserID == "" || p.UserID == c.opts.UserID || (p.RoomID != "" && p.RoomID != c.opts.RoomID) {
		return
	}
	if prev, ok := c.online[p.UserID]; ok && prev == p.Active {
		return
	}
	c.online[p.UserID] = p.Active
	if !p.Active && c.removeTyping(p.UserID) {
		c.notifyTyping()
	}
	if c.opts.OnPresenceChange != nil {
		c.opts.OnPresenceChange(p.UserID, p.Active)
	}
}

// Typing — снапшот печатающих.
func (c *Channel) Typing() model.TypingSet {
	out := make(model.TypingSet, len(c.typing))
	for k, v := range c.typing {
		out[k] = v
	}
	return out
}

// Active — известная активность участников.
func (c *Channel) Active() map[string]bool {
	out := make(map[string]bool, len(c.online))
	for k, v := range c.online {
		out[k] = v
	}
	return out
}

// Stop гасит таймеры и, если собеседники видят нас печатающими, отправляет is_typing=false.
func (c *Channel) Stop() {
	if c.stopped {
		return
	}
	stop(&c.flushTimer)
	stop(&c.idleTimer)
	stop(&c.activeTimer)
	for user, t := range c.expiry {
		t.Stop()
		delete(c.expiry, user)
	}
	if c.sentTyping {
		c.pub.Publish(model.ChannelTyping, model.TypingPayload{RoomID: c.opts.RoomID, UserID: c.opts.UserID, Username: c.opts.Username})
		c.sentTyping = false
	}
	c.typing = make(model.TypingSet)
	c.stopped = true
}

func (c *Channel) notifyTyping() {
	if c.opts.OnTypingChange != nil {
		c.opts.OnTypingChange(c.Typing())
	}
}

func stop(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
