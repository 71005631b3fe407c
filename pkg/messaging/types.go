package messaging

import (
	"time"
)

// Topics published by the gateway and the league scheduler.
const (
	TopicOutcome = "outcome"
	TopicRating  = "rating"
	TopicSession = "session"
)

// Message is one event routed by the broker.
type Message struct {
	Topic     string    // Routing key; subscribers with no topic filter get everything
	From      string    // Publisher ID, never echoed back to itself on broadcast
	To        []string  // Subscriber IDs of recipients (empty means broadcast)
	Payload   any       // The event itself
	Timestamp time.Time // When the event was published
}

// Broker handles message routing between publishers and subscribers
type Broker interface {
	// Publish sends a message to specified recipients
	Publish(msg Message) error
	// Subscribe registers a subscriber for the given topics (all when empty)
	Subscribe(id string, ch chan<- Message, topics ...string) error
	// Unsubscribe removes a subscription
	Unsubscribe(id string) error
}
