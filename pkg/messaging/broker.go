package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type subscription struct {
	ch     chan<- Message
	topics map[string]struct{}
}

func (s subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// SimpleBroker implements the Broker interface
// subscribers is a map where keys are subscriber IDs and values are their channels and topic filters
type SimpleBroker struct {
	subscribers map[string]subscription
	mu          sync.RWMutex
}

// NewBroker creates a new message broker
func NewBroker() *SimpleBroker {
	return &SimpleBroker{
		subscribers: make(map[string]subscription),
	}
}

// Publish sends a message to specified recipients. Delivery never blocks: a
// full subscriber channel loses the message and is reported in the returned
// error, while the other recipients still receive it.
func (b *SimpleBroker) Publish(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// If no recipients specified, broadcast to all interested subscribers
	recipients := msg.To
	if len(recipients) == 0 {
		for id, sub := range b.subscribers {
			if id != msg.From && sub.wants(msg.Topic) {
				recipients = append(recipients, id)
			}
		}
	}

	var errs []error
	for _, recipientID := range recipients {
		sub, ok := b.subscribers[recipientID]
		if !ok {
			continue // Skip if recipient not found
		}

		select {
		case sub.ch <- msg:
		default:
			errs = append(errs, fmt.Errorf("subscriber %s's channel is full", recipientID))
		}
	}

	return errors.Join(errs...)
}

// Subscribe registers a subscriber to receive messages
func (b *SimpleBroker) Subscribe(id string, ch chan<- Message, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; exists {
		return fmt.Errorf("subscriber %s is already subscribed", id)
	}

	sub := subscription{ch: ch}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.subscribers[id] = sub
	return nil
}

// Unsubscribe removes a subscription
func (b *SimpleBroker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("subscriber %s is not subscribed", id)
	}

	delete(b.subscribers, id)
	return nil
}

func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]subscription)
}
