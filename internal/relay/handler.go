package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/packrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packrelay/pkg/errors"
	"github.com/angelmondragon/packrelay/pkg/logger"
	"github.com/angelmondragon/packrelay/pkg/queue"
)

const (
	consumerName          = "pubsub-relay"
	defaultPublishTimeout = 15 * time.Second
)

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PublisherFactory resolves a publisher for a topic name.
type PublisherFactory func(topic string) publisher

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID string) (bool, error)
	Delete(ctx context.Context, consumer string, eventID string) error
}

type pubSubClient interface {
	Publisher(name string) *gcppubsub.Publisher
}

// Handler relays claimed outbox_event items to Pub/Sub. Decode and routing
// failures are permanent; publish failures stay retryable so the queue's
// bounded-retry policy governs them.
type Handler struct {
	topics           *TopicMap
	idempotency      idempotencyGuard
	logg             *logger.Logger
	publisherFactory PublisherFactory
	publishTimeout   time.Duration
}

// HandlerParams collects the relay dependencies.
type HandlerParams struct {
	Topics           *TopicMap
	PubSub           pubSubClient
	Idempotency      idempotencyGuard
	Logger           *logger.Logger
	PublisherFactory PublisherFactory
	PublishTimeout   time.Duration
}

func NewHandler(params HandlerParams) (*Handler, error) {
	if params.Topics == nil {
		return nil, errors.New("topic map is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Idempotency == nil {
		return nil, errors.New("idempotency guard is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		if params.PubSub == nil {
			return nil, errors.New("pubsub client is required")
		}
		factory = func(topic string) publisher {
			pub := params.PubSub.Publisher(topic)
			if pub == nil {
				return nil
			}
			return newGCPPublisher(pub)
		}
	}

	timeout := params.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &Handler{
		topics:           params.Topics,
		idempotency:      params.Idempotency,
		logg:             params.Logger,
		publisherFactory: factory,
		publishTimeout:   timeout,
	}, nil
}

type relayedEvent struct {
	EventType string `json:"eventType"`
}

// Handle implements queue.Handler for kind outbox_event.
func (h *Handler) Handle(ctx context.Context, item models.QueueItem) error {
	var envelope queue.Envelope
	if err := json.Unmarshal(item.Payload, &envelope); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding queue envelope")
	}
	if envelope.EventID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "envelope missing event id")
	}

	var event relayedEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding relayed event")
	}
	if event.EventType == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "relayed event missing eventType")
	}

	topic, err := h.topics.Resolve(event.EventType)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "routing relayed event")
	}

	duplicate, err := h.idempotency.CheckAndMarkProcessed(ctx, consumerName, envelope.EventID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "checking idempotency marker")
	}
	if duplicate {
		fields := map[string]any{
			"queue_id": item.ID.String(),
			"event_id": envelope.EventID,
			"topic":    topic,
		}
		h.logg.Info(h.logg.WithFields(ctx, fields), "duplicate relay suppressed")
		return nil
	}

	if err := h.publish(ctx, item, envelope, event.EventType, topic); err != nil {
		// The marker must not stick for an unpublished event, otherwise the
		// retry would be suppressed as a duplicate.
		if delErr := h.idempotency.Delete(ctx, consumerName, envelope.EventID); delErr != nil {
			h.logg.Error(ctx, "failed to clear idempotency marker", delErr)
		}
		return err
	}

	fields := map[string]any{
		"queue_id":   item.ID.String(),
		"event_id":   envelope.EventID,
		"event_type": event.EventType,
		"topic":      topic,
	}
	h.logg.Info(h.logg.WithFields(ctx, fields), "queue event relayed")
	return nil
}

func (h *Handler) publish(ctx context.Context, item models.QueueItem, envelope queue.Envelope, eventType, topic string) error {
	pub := h.publisherFactory(topic)
	if pub == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("publisher not configured for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data: item.Payload,
		Attributes: map[string]string{
			"event_id":   envelope.EventID,
			"event_type": eventType,
			"queue_kind": string(item.Kind),
			"created_at": item.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		return err
	}
	return nil
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
