package events

import "context"

// Event types
const (
	EventTransactionStatusChanged = "transaction_status_changed"
	EventTransactionExhausted     = "transaction_exhausted"
	EventRetryCycleCompleted      = "retry_cycle_completed"
)

// StreamTransactions is the pub/sub channel carrying transaction lifecycle
// events for the websocket hub and any other consumer.
const StreamTransactions = "events:transaction"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
