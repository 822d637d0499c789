package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packrelay/pkg/enums"
	"github.com/angelmondragon/packrelay/pkg/logger"
	"github.com/angelmondragon/packrelay/pkg/notify"
)

// WorkItem is what producers hand to Emit; Data is marshaled into the stored
// envelope and interpreted only by the handler registered for Kind.
type WorkItem struct {
	Kind       enums.QueueKind
	Data       any
	Version    int
	OccurredAt time.Time
}

// Producer writes queue rows inside caller-managed transactions and signals
// the worker channel on commit.
type Producer struct {
	store   *Store
	channel string
	logg    *logger.Logger
}

func NewProducer(store *Store, channel string, logg *logger.Logger) *Producer {
	return &Producer{store: store, channel: channel, logg: logg}
}

// Emit enqueues the item inside tx and issues pg_notify in the same
// transaction, so the wakeup only fires if the enqueue commits.
func (p *Producer) Emit(ctx context.Context, tx *gorm.DB, item WorkItem) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if item.Kind == "" {
		return uuid.Nil, errors.New("kind is required")
	}

	data, err := json.Marshal(item.Data)
	if err != nil {
		return uuid.Nil, err
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now()
	}
	envelope := Envelope{
		Version:    item.Version,
		EventID:    uuid.NewString(),
		OccurredAt: item.OccurredAt,
		Data:       data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := p.store.EnqueueTx(tx, item.Kind, payload)
	if err != nil {
		return uuid.Nil, err
	}

	if p.channel != "" {
		if err := notify.NotifyTx(tx, p.channel, string(item.Kind)); err != nil {
			return uuid.Nil, err
		}
	}

	if p.logg != nil {
		fields := map[string]any{
			"queue_id":   id.String(),
			"queue_kind": item.Kind,
			"event_id":   envelope.EventID,
		}
		logCtx := p.logg.WithFields(ctx, fields)
		p.logg.Info(logCtx, "queue item enqueued")
	}
	return id, nil
}
