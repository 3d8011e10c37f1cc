package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/relay/store"
	"github.com/go-chi/chi/v5"
)

// Broadcaster рассылает события комнаты подключённым клиентам.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, ch model.Channel, payload any)
	ObserveAPI(op string, err error)
}

// RoomHandler — изменения комнаты мимо сокета: закрепы, реакции, прочтения, история.
type RoomHandler struct {
	store  store.Store
	events Broadcaster
	now    func() time.Time
}

func NewRoomHandler(st store.Store, events Broadcaster, now func() time.Time) *RoomHandler {
	if now == nil {
		now = time.Now
	}
	return &RoomHandler{store: st, events: events, now: now}
}

type pinRequest struct {
	MessageID string `json:"message_id"`
}

type reactionRequest struct {
	RoomID string `json:"room_id"`
	Type   string `json:"type"`
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// Pin — PUT /api/rooms/{roomID}/pin. Вытесняет прежний закреп комнаты.
func (h *RoomHandler) Pin(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())
	var req pinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id required")
		return
	}
	pin, err := h.store.Pin(r.Context(), roomID, req.MessageID, userID, h.now().UTC())
	h.events.ObserveAPI("pin", err)
	if err != nil {
		h.storeError(w, "pin", err)
		return
	}
	h.events.Broadcast(r.Context(), roomID, model.ChannelPin, model.PinPayload{
		RoomID: roomID, MessageID: pin.MessageID, PinnedBy: pin.PinnedBy, PinnedAt: pin.PinnedAt,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Unpin — DELETE /api/rooms/{roomID}/pin/{messageID}. Повтор не ошибка.
func (h *RoomHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	messageID := chi.URLParam(r, "messageID")
	removed, err := h.store.Unpin(r.Context(), roomID, messageID)
	h.events.ObserveAPI("unpin", err)
	if err != nil {
		h.storeError(w, "unpin", err)
		return
	}
	if removed {
		h.events.Broadcast(r.Context(), roomID, model.ChannelUnpin, model.PinPayload{RoomID: roomID, MessageID: messageID})
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPin — GET /api/rooms/{roomID}/pin. 204, если закрепа нет.
func (h *RoomHandler) GetPin(w http.ResponseWriter, r *http.Request) {
	pin, err := h.store.Pinned(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.storeError(w, "get pin", err)
		return
	}
	if pin == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

// ToggleReaction — POST /api/messages/{messageID}/reactions. Отвечает итоговыми группами.
func (h *RoomHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())
	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}
	msg, err := h.store.Get(r.Context(), messageID)
	if err == nil && req.RoomID != "" && msg.RoomID != req.RoomID {
		err = store.ErrNotFound
	}
	if err != nil {
		h.events.ObserveAPI("reaction", err)
		h.storeError(w, "reaction", err)
		return
	}
	reactions, err := h.store.ToggleReaction(r.Context(), messageID, userID, req.Type)
	h.events.ObserveAPI("reaction", err)
	if err != nil {
		h.storeError(w, "reaction", err)
		return
	}
	h.events.Broadcast(r.Context(), msg.RoomID, model.ChannelReaction, model.ReactionPayload{
		RoomID: msg.RoomID, MessageID: messageID, UserID: userID, Type: req.Type, Reactions: reactions,
	})
	writeJSON(w, http.StatusOK, reactions.Groups())
}

// MarkRead — POST /api/rooms/{roomID}/read. Пустой message_ids — вся комната.
func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())
	var req readRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	changed, err := h.store.MarkRead(r.Context(), roomID, userID, req.MessageIDs)
	h.events.ObserveAPI("read", err)
	if err != nil {
		h.storeError(w, "read", err)
		return
	}
	if len(changed) > 0 {
		h.events.Broadcast(r.Context(), roomID, model.ChannelRead, model.ReadPayload{
			RoomID: roomID, UserID: userID, MessageIDs: changed,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// History — GET /api/rooms/{roomID}/messages?direction=&pivot_id=&limit=.
// Та же страница, что и sync.batch по сокету.
func (h *RoomHandler) History(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	dir := model.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = model.DirectionInitial
	}
	if !dir.Valid() {
		writeError(w, http.StatusBadRequest, "unknown direction")
		return
	}
	pivot := r.URL.Query().Get("pivot_id")
	if dir != model.DirectionInitial && pivot == "" {
		writeError(w, http.StatusBadRequest, "pivot_id required")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 200)

	msgs, more, err := h.store.History(r.Context(), roomID, dir, pivot, limit)
	if err != nil {
		h.storeError(w, "history", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.SyncBatch{Direction: dir, Messages: msgs, HasMore: more})
}

func (h *RoomHandler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		logger.Errorf("handler %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
