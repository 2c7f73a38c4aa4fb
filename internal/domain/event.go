package domain

import "context"

// EventType labels a local notification published after a mutation commits.
type EventType string

const (
	EventOfferCreated    EventType = "offer_created"
	EventOfferFilled     EventType = "offer_filled"
	EventOfferCancelled  EventType = "offer_cancelled"
	EventOfferRegistered EventType = "offer_registered"
	EventOfferRemoved    EventType = "offer_removed"
	EventIndexerStatus   EventType = "indexer_status"
)

// Event is one typed notification flowing from the indexer to the broadcast
// hub (and any other consumer). Data is an already-serializable payload;
// Timestamp is ms since epoch.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventBus decouples event production from fan-out. The indexer publishes
// exactly one event per committed mutation; consumers subscribe
// independently. Delivery is best effort with no replay.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of future events and a cancel function
	// that releases the subscription. The channel is closed on cancel.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}
