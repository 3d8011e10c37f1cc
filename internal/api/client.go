// Package api — HTTP-клиент для изменений, которые идут мимо сокета:
// закрепы, реакции, отметки о прочтении.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatsync/internal/model"
)

// StatusError — сервер ответил неожиданным кодом.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api %s: %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api %s: %d", e.Op, e.StatusCode)
}

// Client вызывает REST API чата от имени пользователя сессии.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

// NewClient создаёт клиент. timeout <= 0 — 10 секунд.
func NewClient(baseURL, token, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Pin закрепляет сообщение, вытесняя прежний закреп комнаты.
func (c *Client) Pin(ctx context.Context, roomID, messageID string) error {
	path := "/api/rooms/" + url.PathEscape(roomID) + "/pin"
	return c.do(ctx, "pin", http.MethodPut, path, map[string]string{"message_id": messageID}, http.StatusNoContent, nil)
}

func (c *Client) Unpin(ctx context.Context, roomID, messageID string) error {
	path := "/api/rooms/" + url.PathEscape(roomID) + "/pin/" + url.PathEscape(messageID)
	return c.do(ctx, "unpin", http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// ToggleReaction переключает реакцию пользователя и возвращает итоговые группы сообщения.
func (c *Client) ToggleReaction(ctx context.Context, roomID, messageID, reactionType string) ([]model.ReactionGroup, error) {
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions"
	var groups []model.ReactionGroup
	body := map[string]string{"room_id": roomID, "type": reactionType}
	if err := c.do(ctx, "reaction", http.MethodPost, path, body, http.StatusOK, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// MarkRead отмечает сообщения прочитанными. Пустой список — все сообщения комнаты.
func (c *Client) MarkRead(ctx context.Context, roomID string, messageIDs []string) error {
	path := "/api/rooms/" + url.PathEscape(roomID) + "/read"
	body := map[string][]string{"message_ids": messageIDs}
	return c.do(ctx, "read", http.MethodPost, path, body, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, want int, out any) error {
	var rd io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s: marshal: %w", op, err)
		}
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("api %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api %s: decode: %w", op, err)
		}
	}
	return nil
}
