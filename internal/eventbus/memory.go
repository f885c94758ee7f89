package eventbus

import (
	"context"
	"sync"

	"chatrelay/internal/ids"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const routingKeyMetadata = "routing_key"

// MemoryBroker runs the bus in-process on a watermill Go channel. Every
// Subscribe call is an independent subscriber, which gives the same fan-out
// as one private queue per consumer on a topic exchange.
type MemoryBroker struct {
	pubsub *gochannel.GoChannel

	mu       sync.Mutex
	rejected []Delivery
}

func NewMemoryBroker(logger watermill.LoggerAdapter) *MemoryBroker {
	return &MemoryBroker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
	}
}

// Connect is a no-op: the in-process exchange always exists.
func (m *MemoryBroker) Connect(context.Context) error { return nil }

func (m *MemoryBroker) Publish(_ context.Context, routingKey string, body []byte) error {
	msg := message.NewMessage(ids.New(), body)
	msg.Metadata.Set(routingKeyMetadata, routingKey)
	return m.pubsub.Publish(routingKey, msg)
}

func (m *MemoryBroker) Subscribe(ctx context.Context, routingKey string) (<-chan Delivery, error) {
	msgs, err := m.pubsub.Subscribe(ctx, routingKey)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range msgs {
			d := Delivery{
				RoutingKey: msg.Metadata.Get(routingKeyMetadata),
				MessageID:  msg.UUID,
				Body:       msg.Payload,
			}
			d.ack = func() error {
				msg.Ack()
				return nil
			}
			d.reject = func(requeue bool) error {
				if requeue {
					// gochannel redelivers nacked messages.
					msg.Nack()
					return nil
				}
				m.mu.Lock()
				m.rejected = append(m.rejected, d)
				m.mu.Unlock()
				msg.Ack()
				return nil
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Rejected returns the deliveries dropped with Reject(false), the in-process
// counterpart of the dead-letter queue.
func (m *MemoryBroker) Rejected() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.rejected...)
}

func (m *MemoryBroker) Close() error {
	return m.pubsub.Close()
}
