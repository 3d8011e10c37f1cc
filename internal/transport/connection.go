// Package transport — websocket-сессия одной комнаты: подключение, публикация,
// подписки на каналы и политика переподключения.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// State — состояние логической сессии.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded — сессия потеряна, ждём переподключения или события online.
	StateDegraded
	// StateFailed — попытки исчерпаны или отказ авторизации; нужен ручной Reconnect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options — параметры соединения.
type Options struct {
	URL                  string // ws://host:port, путь /ws добавляется
	HandshakeTimeout     time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	SendBufferSize       int

	Clock clock.Clock

	OnStateChange func(State)
	// OnReconnect вызывается после успешного автоматического или ручного переподключения.
	OnReconnect func()
	// OnError получает ошибки, которые нужно показать пользователю.
	OnError func(*ConnectionError)
}

// OptionsFromConfig заполняет Options из конфига движка.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		URL:                  cfg.ServerURL,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		SendBufferSize:       cfg.SendBufferSize,
	}
}

// Connection — одна логическая websocket-сессия комнаты.
// Lifecycle: New -> Connect -> [readPump, writePump] -> (drop -> reconnect)* -> Disconnect.
type Connection struct {
	opts     Options
	registry *Registry
	dialer   *websocket.Dialer
	sf       singleflight.Group

	mu        sync.Mutex
	sess      model.Session
	state     State
	conn      *websocket.Conn
	send      chan model.Frame
	cancel    context.CancelFunc
	writeDone chan struct{}
	readDone  chan struct{}
	gen       uint64
	attempts  int
	retry     clock.Timer
	connected bool // хотя бы одно успешное подключение
	closed    bool
	offline   bool
}

func New(opts Options) *Connection {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 3 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Connection{
		opts:     opts,
		registry: NewRegistry(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Subscribe регистрирует обработчик канала. Обработчики вызываются из горутины чтения.
func (c *Connection) Subscribe(ch model.Channel, h Handler) func() {
	return c.registry.Subscribe(ch, h)
}

// ClearAllHandlers снимает все подписки.
func (c *Connection) ClearAllHandlers() {
	c.registry.Clear()
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect устанавливает сессию. Параллельный вызов во время рукопожатия
// присоединяется к нему и не создаёт вторую сессию.
func (c *Connection) Connect(ctx context.Context, sess model.Session) error {
	c.mu.Lock()
	c.sess = sess
	c.closed = false
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

func (c *Connection) connectOnce(ctx context.Context) error {
	_, err, _ := c.sf.Do("connect", func() (any, error) {
		return nil, c.dial(ctx)
	})
	return err
}

func (c *Connection) dial(ctx context.Context) error {
	defer logger.DeferLogDuration("transport.dial", time.Now())()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sess := c.sess
	c.mu.Unlock()
	c.setState(StateConnecting)

	target, err := sessionURL(c.opts.URL, sess)
	if err != nil {
		c.setState(StateFailed)
		return &ConnectionError{Reason: "invalid server url", Terminal: true, Err: err}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.AuthToken)

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		ce := &ConnectionError{Reason: "handshake failed", Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				ce.Reason = "unauthorized"
				ce.Auth = true
				ce.Terminal = true
			}
		}
		if ce.Terminal {
			c.setState(StateFailed)
		} else {
			c.setState(StateDegraded)
		}
		return ce
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.setState(StateDisconnected)
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.send = make(chan model.Frame, c.opts.SendBufferSize)
	c.writeDone = make(chan struct{})
	c.readDone = make(chan struct{})
	c.attempts = 0
	c.offline = false
	reconnected := c.connected
	c.connected = true
	c.state = StateConnected
	send, writeDone, readDone := c.send, c.writeDone, c.readDone
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn, send, writeDone)
	go c.readPump(gen, conn, readDone)

	c.notify(StateConnected)
	logger.Infof("transport: connected room=%s user=%s", sess.RoomID, sess.UserID)
	if reconnected && c.opts.OnReconnect != nil {
		c.opts.OnReconnect()
	}
	return nil
}

func sessionURL(base string, sess model.Session) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("room_id", sess.RoomID)
	q.Set("user_id", sess.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *Connection) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Publish отправляет событие без ожидания ответа. Без активной сессии пишет
// предупреждение и возвращает false; ошибок для временного разрыва нет.
func (c *Connection) Publish(ch model.Channel, payload any) bool {
	frame, err := model.NewFrame(ch, payload)
	if err != nil {
		logger.Errorf("transport: marshal %s: %v", ch, err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		logger.Warnf("transport: publish %s: %v", ch, ErrNotConnected)
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		logger.Warnf("transport: publish %s: send buffer full", ch)
		return false
	}
}

// teardownLocked закрывает текущую сессию, не дожидаясь насосов. Вызывать под c.mu.
func (c *Connection) teardownLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}

// handleDrop — ошибка чтения или записи активной сессии.
func (c *Connection) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	logger.Warnf("transport: session lost: %v", err)
	c.setState(StateDegraded)
	c.scheduleReconnect()
}

// scheduleReconnect планирует попытку через фиксированный backoff.
// После MaxReconnectAttempts неудач сообщает терминальную ошибку.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.offline || c.retry != nil || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxReconnectAttempts {
		attempts := c.attempts - 1
		c.mu.Unlock()
		c.setState(StateFailed)
		c.reportError(&ConnectionError{
			Reason:   "reconnect attempts exhausted",
			Terminal: true,
			Err:      fmt.Errorf("gave up after %d attempts", attempts),
		})
		return
	}
	c.retry = c.opts.Clock.AfterFunc(c.opts.ReconnectBackoff, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		c.attemptReconnect()
	})
	c.mu.Unlock()
}

func (c *Connection) attemptReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	err := c.connectOnce(ctx)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Terminal {
		c.reportError(ce)
		return
	}
	logger.Warnf("transport: reconnect failed: %v", err)
	c.scheduleReconnect()
}

func (c *Connection) reportError(ce *ConnectionError) {
	logger.Errorf("%v", ce)
	if c.opts.OnError != nil {
		c.opts.OnError(ce)
	}
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// Online — сеть вернулась: немедленная попытка в обход таймера backoff.
func (c *Connection) Online() {
	c.mu.Lock()
	c.offline = false
	if c.closed || c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.attempts = 0
	c.mu.Unlock()
	go c.attemptReconnect()
}

// Offline — сеть пропала: сессия сразу помечается деградировавшей, повторов нет.
func (c *Connection) Offline() {
	c.mu.Lock()
	c.offline = true
	c.stopRetryLocked()
	if c.state == StateConnected {
		c.teardownLocked()
	}
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.setState(StateDegraded)
	}
}

// Reconnect — ручной повтор после терминальной ошибки. Счётчик попыток сбрасывается.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopRetryLocked()
	c.attempts = 0
	c.offline = false
	c.mu.Unlock()

	err := c.connectOnce(ctx)
	if err != nil && !IsAuth(err) && !errors.Is(err, ErrClosed) {
		c.scheduleReconnect()
	}
	return err
}

// Disconnect отправляет best-effort presence.active=false и закрывает сессию.
// Безопасен без подключения и при повторном вызове. Возвращается после остановки насосов.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.stopRetryLocked()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	c.gen++
	conn, cancel := c.conn, c.cancel
	writeDone, readDone := c.writeDone, c.readDone
	sess := c.sess
	c.conn, c.cancel, c.send = nil, nil, nil
	c.mu.Unlock()
	c.setState(StateDisconnected)

	cancel()
	<-writeDone

	// writePump остановлен, писать в conn можно отсюда.
	if frame, err := model.NewFrame(model.ChannelPresence, model.PresencePayload{RoomID: sess.RoomID, UserID: sess.UserID, Active: false}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if data, err := json.Marshal(frame); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-readDone
	logger.Infof("transport: disconnected room=%s user=%s", sess.RoomID, sess.UserID)
}

// readPump читает кадры и раздаёт их подписчикам.
// Exits on read error (triggered by conn.Close or server close).
func (c *Connection) readPump(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.handleDrop(gen, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("transport: read error: %v", err)
			}
			c.handleDrop(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Errorf("transport: unmarshal frame: %v", err)
			continue
		}
		if n := c.registry.Dispatch(frame.Type, frame.Payload); n == 0 {
			logger.Debugf("transport: no handlers for %s", frame.Type)
		}
	}
}

// writePump пишет кадры и пинги.
// Exits on ctx cancellation or write error.
func (c *Connection) writePump(ctx context.Context, conn *websocket.Conn, send chan model.Frame, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(frame); err != nil {
				bufPool.Put(buf)
				logger.Errorf("transport: marshal %s: %v", frame.Type, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				// readPump получит ошибку и запустит переподключение.
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
