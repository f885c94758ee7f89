package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/logging"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type greeted struct {
	AccountID string `json:"accountId" validate:"required,uuid"`
	Email     string `json:"email" validate:"required,email"`
}

func (greeted) EventName() Name { return "Greeted" }

type pinged struct{}

func (pinged) EventName() Name { return "Pinged" }

const accountID = "0b7c6f9e-3a51-4c1d-9d8e-5f2a1b3c4d5e"

func newMemoryBus(t *testing.T, broker *MemoryBroker, reg *Registry, opts ...Option) *Bus {
	t.Helper()
	bus := New(broker, reg, zap.NewNop(), opts...)
	require.NoError(t, bus.Connect(context.Background()))
	return bus
}

func newBroker() *MemoryBroker {
	return NewMemoryBroker(logging.Watermill(zap.NewNop()))
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
}

func TestEncode(t *testing.T) {
	req := require.New(t)

	body, err := Encode(greeted{AccountID: accountID, Email: "a@example.com"})
	req.NoError(err)
	req.JSONEq(`{"name":"Greeted","accountId":"`+accountID+`","email":"a@example.com"}`, string(body))

	body, err = Encode(pinged{})
	req.NoError(err)
	req.JSONEq(`{"name":"Pinged"}`, string(body))

	name, err := PeekName(body)
	req.NoError(err)
	req.Equal(Name("Pinged"), name)

	_, err = PeekName([]byte(`{"accountId":"x"}`))
	req.ErrorIs(err, ErrInvalidPayload)
}

func TestDecode(t *testing.T) {
	req := require.New(t)

	ev, err := Decode[greeted]([]byte(`{"name":"Greeted","accountId":"` + accountID + `","email":"a@example.com"}`))
	req.NoError(err)
	req.Equal("a@example.com", ev.Email)

	_, err = Decode[greeted]([]byte(`{"name":"Greeted","accountId":"not-a-uuid","email":"a@example.com"}`))
	req.ErrorIs(err, ErrInvalidPayload)
	req.ErrorContains(err, "accountId")

	_, err = Decode[greeted]([]byte(`{"name":"Pinged","accountId":"` + accountID + `","email":"a@example.com"}`))
	req.ErrorIs(err, ErrInvalidPayload)

	_, err = Decode[greeted]([]byte(`not json`))
	req.ErrorIs(err, ErrInvalidPayload)
}

func TestRegistry(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()
	noop := func(context.Context, greeted) error { return nil }

	req.NoError(Register(reg, noop))
	req.ErrorIs(Register(reg, noop), ErrDuplicateHandler)
	req.NoError(Register(reg, func(context.Context, pinged) error { return nil }))
	req.Equal([]Name{"Greeted", "Pinged"}, reg.Names())

	bus := newMemoryBus(t, newBroker(), reg)
	defer bus.Close()
	req.NoError(bus.Consume(context.Background()))
	req.ErrorIs(Register(reg, noop), ErrRegistryFrozen)
}

func TestBus_StateMachine(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := New(newBroker(), nil, zap.NewNop())

	req.Equal(StateUnconnected, bus.State())
	req.ErrorIs(bus.Produce(ctx, pinged{}), ErrNotConnected)
	req.ErrorIs(bus.Consume(ctx), ErrNotConnected)

	req.NoError(bus.Connect(ctx))
	req.Equal(StateConnected, bus.State())
	req.ErrorIs(bus.Connect(ctx), ErrAlreadyConnected)
	req.NoError(bus.Produce(ctx, pinged{}))

	req.NoError(bus.Consume(ctx))
	req.Equal(StateConsuming, bus.State())
	req.ErrorIs(bus.Consume(ctx), ErrAlreadyConsuming)
	req.NoError(bus.Produce(ctx, pinged{}))

	req.NoError(bus.Close())
	req.Equal(StateClosed, bus.State())
	req.NoError(bus.Close())
	req.ErrorIs(bus.Produce(ctx, pinged{}), ErrClosed)
	req.ErrorIs(bus.Connect(ctx), ErrClosed)
}

func TestBus_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("valid event is handled once and acked", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		got := make(chan greeted, 4)
		req.NoError(Register(reg, func(_ context.Context, ev greeted) error {
			calls.Add(1)
			got <- ev
			return nil
		}))

		bus := newMemoryBus(t, broker, reg)
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(bus.Produce(ctx, greeted{AccountID: accountID, Email: "a@example.com"}))

		req.Eventually(func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		req.Never(func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
		req.Equal("a@example.com", (<-got).Email)
		req.Empty(broker.Rejected())
	})

	t.Run("invalid payload is rejected without calling the handler", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		req.NoError(Register(reg, func(context.Context, greeted) error {
			calls.Add(1)
			return nil
		}))

		bus := newMemoryBus(t, broker, reg)
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(broker.Publish(ctx, "Greeted", []byte(`{"name":"Greeted","accountId":"nope"}`)))

		req.Eventually(func() bool { return len(broker.Rejected()) == 1 }, time.Second, 5*time.Millisecond)
		req.Zero(calls.Load())
	})

	t.Run("transient failures are retried then dead-lettered", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		req.NoError(Register(reg, func(context.Context, pinged) error {
			calls.Add(1)
			return errors.New("smtp timeout")
		}))

		bus := newMemoryBus(t, broker, reg, fastRetry(3))
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(bus.Produce(ctx, pinged{}))

		req.Eventually(func() bool { return len(broker.Rejected()) == 1 }, time.Second, 5*time.Millisecond)
		req.EqualValues(3, calls.Load())
	})

	t.Run("transient failure that recovers is acked", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		done := make(chan struct{})
		req.NoError(Register(reg, func(context.Context, pinged) error {
			if calls.Add(1) == 1 {
				return errors.New("connection reset")
			}
			close(done)
			return nil
		}))

		bus := newMemoryBus(t, broker, reg, fastRetry(3))
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(bus.Produce(ctx, pinged{}))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler never succeeded")
		}
		req.Never(func() bool { return len(broker.Rejected()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		req.EqualValues(2, calls.Load())
	})

	t.Run("permanent failures skip the retry policy", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		req.NoError(Register(reg, func(context.Context, pinged) error {
			calls.Add(1)
			return Permanent(errors.New("mailbox does not exist"))
		}))

		bus := newMemoryBus(t, broker, reg, fastRetry(5))
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(bus.Produce(ctx, pinged{}))

		req.Eventually(func() bool { return len(broker.Rejected()) == 1 }, time.Second, 5*time.Millisecond)
		req.EqualValues(1, calls.Load())
	})

	t.Run("handler panic is rejected and the consumer survives", func(t *testing.T) {
		req := require.New(t)
		broker := newBroker()
		reg := NewRegistry()

		var calls atomic.Int32
		req.NoError(Register(reg, func(context.Context, pinged) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		}))

		bus := newMemoryBus(t, broker, reg, fastRetry(3))
		defer bus.Close()
		req.NoError(bus.Consume(ctx))
		req.NoError(bus.Produce(ctx, pinged{}))
		req.Eventually(func() bool { return len(broker.Rejected()) == 1 }, time.Second, 5*time.Millisecond)

		req.NoError(bus.Produce(ctx, pinged{}))
		req.Eventually(func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
		req.Len(broker.Rejected(), 1)
	})
}

func TestBus_EveryConsumingServiceGetsItsOwnCopy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := newBroker()

	var mu sync.Mutex
	seen := map[string]int{}
	consumer := func(service string) *Bus {
		reg := NewRegistry()
		req.NoError(Register(reg, func(context.Context, pinged) error {
			mu.Lock()
			seen[service]++
			mu.Unlock()
			return nil
		}))
		bus := newMemoryBus(t, broker, reg)
		req.NoError(bus.Consume(ctx))
		return bus
	}

	mailer := consumer("mailer")
	audit := consumer("audit")
	defer mailer.Close()
	defer audit.Close()

	producer := newMemoryBus(t, broker, nil)
	req.NoError(producer.Produce(ctx, pinged{}))

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["mailer"] == 1 && seen["audit"] == 1
	}, time.Second, 5*time.Millisecond)
}

// chanBroker hands out delivery channels the test controls and records how
// each delivery was settled.
type chanBroker struct {
	mu      sync.Mutex
	subs    map[string]chan Delivery
	settled chan string
}

func newChanBroker() *chanBroker {
	return &chanBroker{subs: make(map[string]chan Delivery), settled: make(chan string, 16)}
}

func (c *chanBroker) Connect(context.Context) error                 { return nil }
func (c *chanBroker) Publish(context.Context, string, []byte) error { return nil }
func (c *chanBroker) Close() error                                  { return nil }

func (c *chanBroker) Subscribe(_ context.Context, routingKey string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Delivery, 1)
	c.subs[routingKey] = ch
	return ch, nil
}

func (c *chanBroker) deliver(routingKey string, event Event) {
	body, _ := Encode(event)
	c.mu.Lock()
	ch := c.subs[routingKey]
	c.mu.Unlock()
	ch <- Delivery{
		RoutingKey: routingKey,
		Body:       body,
		ack:        func() error { c.settled <- "ack"; return nil },
		reject: func(requeue bool) error {
			if requeue {
				c.settled <- "requeue"
			} else {
				c.settled <- "reject"
			}
			return nil
		},
	}
}

// drop closes every subscription, as a broker does when its connection dies.
func (c *chanBroker) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
}

func TestBus_LostSubscriptionFailsTheBus(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := newChanBroker()
	reg := NewRegistry()
	req.NoError(Register(reg, func(context.Context, pinged) error { return nil }))

	bus := New(broker, reg, zap.NewNop())
	req.NoError(bus.Connect(ctx))
	req.NoError(bus.Consume(ctx))
	req.NoError(bus.Err())

	broker.drop()

	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bus never noticed the lost subscription")
	}
	req.Equal(StateFailed, bus.State())
	req.ErrorIs(bus.Err(), ErrSubscriptionLost)
	req.ErrorIs(bus.Consume(ctx), ErrAlreadyConsuming)

	req.NoError(bus.Close())
	req.Equal(StateClosed, bus.State())
}

func TestBus_CloseDoesNotFail(t *testing.T) {
	req := require.New(t)
	bus := New(newChanBroker(), nil, zap.NewNop())
	req.NoError(bus.Connect(context.Background()))
	req.NoError(bus.Consume(context.Background()))

	req.NoError(bus.Close())
	<-bus.Done()
	req.NoError(bus.Err())
}

func TestBus_CloseRequeuesInFlightEvent(t *testing.T) {
	req := require.New(t)
	broker := newChanBroker()
	reg := NewRegistry()
	started := make(chan struct{})
	req.NoError(Register(reg, func(ctx context.Context, _ pinged) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	bus := New(broker, reg, zap.NewNop(), fastRetry(3))
	req.NoError(bus.Connect(context.Background()))
	req.NoError(bus.Consume(context.Background()))

	broker.deliver("Pinged", pinged{})
	<-started
	req.NoError(bus.Close())

	select {
	case outcome := <-broker.settled:
		req.Equal("requeue", outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight event was never settled")
	}
}
