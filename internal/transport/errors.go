package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected — публикация без активной сессии.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed — соединение закрыто вызовом Disconnect.
	ErrClosed = errors.New("transport: closed")
)

// ConnectionError — ошибка рукопожатия или исчерпанные попытки переподключения.
// Terminal означает, что автоматических повторов больше не будет.
type ConnectionError struct {
	Reason     string
	StatusCode int
	Auth       bool
	Terminal   bool
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := "transport: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuth сообщает, что err — отказ в авторизации при рукопожатии.
func IsAuth(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Auth
}
