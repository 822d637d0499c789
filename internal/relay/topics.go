package relay

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/packrelay/pkg/config"
)

// TopicMap routes relayed event types to Pub/Sub topics by prefix, with an
// optional catch-all default.
type TopicMap struct {
	byPrefix     map[string]string
	defaultTopic string
}

// NewTopicMap builds the routing table from the configured topic names.
func NewTopicMap(cfg config.PubSubConfig) (*TopicMap, error) {
	byPrefix := map[string]string{}
	if topic := strings.TrimSpace(cfg.OrdersTopic); topic != "" {
		byPrefix["order."] = topic
	}
	if topic := strings.TrimSpace(cfg.NotificationTopic); topic != "" {
		byPrefix["notification."] = topic
	}
	if topic := strings.TrimSpace(cfg.BillingTopic); topic != "" {
		byPrefix["billing."] = topic
	}
	defaultTopic := strings.TrimSpace(cfg.DefaultTopic)
	if len(byPrefix) == 0 && defaultTopic == "" {
		return nil, fmt.Errorf("at least one relay topic is required")
	}
	return &TopicMap{byPrefix: byPrefix, defaultTopic: defaultTopic}, nil
}

// Resolve returns the topic for an event type, or an error when no route and
// no default exists.
func (t *TopicMap) Resolve(eventType string) (string, error) {
	for prefix, topic := range t.byPrefix {
		if strings.HasPrefix(eventType, prefix) {
			return topic, nil
		}
	}
	if t.defaultTopic != "" {
		return t.defaultTopic, nil
	}
	return "", fmt.Errorf("no topic routed for event type %q", eventType)
}
