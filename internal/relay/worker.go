package relay

import (
	"context"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

type persistJob struct {
	origin  *Client
	payload model.SendPayload
}

// persister — очередь записи сообщений. Один воркер сохраняет по порядку поступления,
// поэтому статусы одного отправителя не обгоняют друг друга.
type persister struct {
	hub   *Hub
	queue chan persistJob
}

func newPersister(h *Hub, size int) *persister {
	if size <= 0 {
		size = 256
	}
	return &persister{hub: h, queue: make(chan persistJob, size)}
}

// Enqueue не блокирует; false — очередь заполнена.
func (p *persister) Enqueue(origin *Client, payload model.SendPayload) bool {
	select {
	case p.queue <- persistJob{origin: origin, payload: payload}:
		p.hub.metrics.queueDepth.Inc()
		return true
	default:
		return false
	}
}

func (p *persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.hub.metrics.queueDepth.Dec()
			p.process(ctx, job)
		}
	}
}

func (p *persister) process(ctx context.Context, job persistJob) {
	defer logger.DeferLogDuration("relay.persist", time.Now())()
	h := p.hub
	in := job.payload
	h.sendStatus(job.origin, model.DeliveryRecord{
		CorrelationID: in.CorrelationID, RoomID: in.RoomID, Status: model.StatusProcessing, CreatedAt: h.clock.Now(),
	})

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	saved, err := h.store.Save(ctx, model.Message{
		ID:            uuid.NewString(),
		CorrelationID: in.CorrelationID,
		RoomID:        in.RoomID,
		SenderID:      in.UserID,
		SenderName:    in.SenderName,
		Content:       in.Content,
		Status:        model.StatusSaved,
		CreatedAt:     in.CreatedAt.UTC(),
	})
	if err != nil {
		logger.Errorf("relay: save corr=%s room=%s: %v", in.CorrelationID, in.RoomID, err)
		h.sendStatus(job.origin, model.DeliveryRecord{
			CorrelationID: in.CorrelationID, RoomID: in.RoomID, Status: model.StatusFailed,
			CreatedAt: h.clock.Now(), Reason: "failed to save message",
		})
		return
	}
	h.sendStatus(job.origin, model.DeliveryRecord{
		CorrelationID: in.CorrelationID, RoomID: in.RoomID, Status: model.StatusSaved,
		PersistedID: saved.ID, CreatedAt: saved.CreatedAt,
	})
	saved.Status = model.StatusSaved
	h.Broadcast(ctx, in.RoomID, model.ChannelMessageNew, saved)
}
