package queue

import (
	"encoding/json"
	"time"
)

// Envelope is the stable payload structure stored in queue_items. Handlers
// decode Data according to the item's kind.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}
