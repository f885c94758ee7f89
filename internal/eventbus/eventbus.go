// Package eventbus is a thin choreography layer over a topic-routed broker.
// Services publish domain events under their name; consumers register one
// typed handler per event name and the bus acknowledges or rejects each
// delivery depending on schema validation and handler outcome.
package eventbus

import (
	"context"
	"errors"
	"fmt"
)

// Name identifies an event variant. It is also the routing key.
type Name string

// Event is implemented by every domain event variant.
type Event interface {
	EventName() Name
}

var (
	ErrNotConnected     = errors.New("eventbus: not connected")
	ErrAlreadyConnected = errors.New("eventbus: already connected")
	ErrAlreadyConsuming = errors.New("eventbus: already consuming")
	ErrClosed           = errors.New("eventbus: closed")
	ErrDuplicateHandler = errors.New("eventbus: handler already registered")
	ErrRegistryFrozen   = errors.New("eventbus: registry is frozen")
	ErrInvalidPayload   = errors.New("eventbus: invalid payload")
	ErrSubscriptionLost = errors.New("eventbus: subscription lost")
)

// State of a Bus. Transitions only move forward.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateConsuming
	// StateFailed means a subscription ended without Close being called.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Broker is the transport under the bus. Implementations route a published
// body to every subscription whose routing key equals the published one.
type Broker interface {
	// Connect dials the broker and asserts the shared exchange.
	Connect(ctx context.Context) error
	Publish(ctx context.Context, routingKey string, body []byte) error
	// Subscribe creates a private queue bound to routingKey.
	Subscribe(ctx context.Context, routingKey string) (<-chan Delivery, error)
	Close() error
}

// Delivery is one message handed to a subscription. Exactly one of Ack or
// Reject must be called.
type Delivery struct {
	RoutingKey string
	MessageID  string
	Body       []byte

	ack    func() error
	reject func(requeue bool) error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Reject refuses the delivery. With requeue false the broker drops it, or
// dead-letters it when the queue has a dead-letter exchange.
func (d Delivery) Reject(requeue bool) error {
	if d.reject == nil {
		return nil
	}
	return d.reject(requeue)
}
