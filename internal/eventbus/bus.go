package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/observability"

	"go.uber.org/zap"
)

const (
	outcomeAcked          = "acked"
	outcomeRejectedSchema = "rejected_schema"
	outcomeDeadLettered   = "dead_lettered"
	outcomeRequeued       = "requeued"
)

type Option func(*Bus)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(b *Bus) { b.retry = p }
}

// Bus publishes events and dispatches consumed ones to registered handlers.
// Lifecycle: Unconnected -> Connected -> Consuming [-> Failed] -> Closed.
type Bus struct {
	broker   Broker
	registry *Registry
	retry    RetryPolicy
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	err      error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a bus over broker. registry may be nil for publish-only services.
func New(broker Broker, registry *Registry, log *zap.Logger, opts ...Option) *Bus {
	if registry == nil {
		registry = NewRegistry()
	}
	b := &Bus{
		broker:   broker,
		registry: registry,
		log:      log.Named("eventbus"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the bus stops consuming, either through Close or
// because a subscription was lost.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Err reports why consuming stopped. It is nil while consuming and after a
// plain Close.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Connect establishes the transport and asserts the shared exchange.
// It must be called before Produce or Consume.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return ErrClosed
	case StateConnected, StateConsuming, StateFailed:
		return ErrAlreadyConnected
	}
	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("eventbus: connect: %w", err)
	}
	b.state = StateConnected
	b.log.Info("connected")
	return nil
}

// Produce publishes event with its name as routing key. It does not wait
// for any delivery confirmation.
func (b *Bus) Produce(ctx context.Context, event Event) error {
	switch b.State() {
	case StateUnconnected:
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	}

	body, err := Encode(event)
	if err != nil {
		return err
	}
	name := event.EventName()
	if err := b.broker.Publish(ctx, string(name), body); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", name, err)
	}
	observability.EventsPublished.WithLabelValues(string(name)).Inc()
	b.log.Debug("event published", zap.String("event", string(name)))
	return nil
}

// Consume subscribes one private queue per registered event name and starts
// dispatching deliveries. The registry is frozen from here on.
func (b *Bus) Consume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateUnconnected:
		return ErrNotConnected
	case StateConsuming, StateFailed:
		return ErrAlreadyConsuming
	case StateClosed:
		return ErrClosed
	}

	entries := b.registry.freeze()
	ctx, cancel := context.WithCancel(ctx)

	for _, name := range b.registry.Names() {
		reg := entries[name]
		deliveries, err := b.broker.Subscribe(ctx, string(name))
		if err != nil {
			cancel()
			return fmt.Errorf("eventbus: subscribe %s: %w", name, err)
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consumeLoop(ctx, reg, deliveries)
		}()
		b.log.Info("consuming", zap.String("event", string(name)))
	}

	b.cancel = cancel
	b.state = StateConsuming
	return nil
}

// Close stops consumers, waits for in-flight handlers, then closes the
// broker channel and connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = StateClosed
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	err := b.broker.Close()
	b.doneOnce.Do(func() { close(b.done) })
	b.log.Info("closed")
	return err
}

// fail moves a consuming bus to StateFailed and releases Done.
func (b *Bus) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConsuming {
		return
	}
	b.state = StateFailed
	b.err = err
	b.log.Error("stopped consuming", zap.Error(err))
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Bus) consumeLoop(ctx context.Context, reg registration, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					b.fail(fmt.Errorf("%w: %s", ErrSubscriptionLost, reg.name))
				}
				return
			}
			b.dispatch(ctx, reg, d)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, reg registration, d Delivery) {
	log := b.log.With(zap.String("event", string(reg.name)), zap.String("message_id", d.MessageID))
	counter := observability.EventsConsumed

	event, err := reg.decode(d.Body)
	if err != nil {
		// The payload can never become valid, so it is never redelivered.
		log.Warn("rejecting event with invalid payload", zap.Error(err))
		counter.WithLabelValues(string(reg.name), outcomeRejectedSchema).Inc()
		if err := d.Reject(false); err != nil {
			log.Error("reject failed", zap.Error(err))
		}
		return
	}

	start := time.Now()
	err = b.retry.run(ctx, func() error {
		return safeHandle(ctx, reg, event)
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("handler failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	observability.HandlerDuration.WithLabelValues(string(reg.name)).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Shutting down: hand the event back for another consumer.
		log.Info("consumer stopping, requeueing event", zap.Error(err))
		counter.WithLabelValues(string(reg.name), outcomeRequeued).Inc()
		if err := d.Reject(true); err != nil {
			log.Error("requeue failed", zap.Error(err))
		}
		return
	}
	if err != nil {
		log.Error("handler failed, rejecting event",
			zap.Bool("permanent", IsPermanent(err)), zap.Error(err))
		counter.WithLabelValues(string(reg.name), outcomeDeadLettered).Inc()
		if err := d.Reject(false); err != nil {
			log.Error("reject failed", zap.Error(err))
		}
		return
	}

	if err := d.Ack(); err != nil {
		log.Error("ack failed", zap.Error(err))
		return
	}
	counter.WithLabelValues(string(reg.name), outcomeAcked).Inc()
}

// safeHandle turns a handler panic into a permanent error so one bad event
// cannot take the consumer down.
func safeHandle(ctx context.Context, reg registration, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	err = reg.handle(ctx, event)
	if errors.Is(err, context.Canceled) {
		return Permanent(err)
	}
	return err
}
