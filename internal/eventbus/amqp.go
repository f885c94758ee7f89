package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/ids"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPDial opens the broker connection. Tests replace it to run without a
// broker.
var AMQPDial = func(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// AMQPBroker routes events through a RabbitMQ topic exchange. Every
// subscription gets an exclusive, server-named queue bound with the event
// name; rejected deliveries are dead-lettered to "<exchange>.dlx".
type AMQPBroker struct {
	url      string
	exchange string
	log      *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPBroker(url, exchange string, log *zap.Logger) *AMQPBroker {
	return &AMQPBroker{url: url, exchange: exchange, log: log.Named("amqp")}
}

func (a *AMQPBroker) deadLetterExchange() string { return a.exchange + ".dlx" }
func (a *AMQPBroker) deadLetterQueue() string    { return a.exchange + ".dead-letter" }

func (a *AMQPBroker) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := AMQPDial(a.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	// Declarations are assertions: they succeed if an identical exchange or
	// queue already exists.
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	if err := ch.ExchangeDeclare(a.deadLetterExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", a.deadLetterExchange(), err)
	}
	if _, err := ch.QueueDeclare(a.deadLetterQueue(), true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", a.deadLetterQueue(), err)
	}
	if err := ch.QueueBind(a.deadLetterQueue(), "", a.deadLetterExchange(), false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("bind queue %s: %w", a.deadLetterQueue(), err)
	}

	a.watch(conn)
	a.conn, a.ch = conn, ch
	return nil
}

// watch logs transport failures. Reconnection is left to the process
// supervisor: a dead connection invalidates every subscription at once.
func (a *AMQPBroker) watch(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			a.log.Error("connection lost", zap.Int("code", err.Code), zap.String("reason", err.Reason))
		}
	}()
}

func (a *AMQPBroker) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return nil, ErrNotConnected
	}
	return a.ch, nil
}

func (a *AMQPBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, a.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ids.New(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (a *AMQPBroker) Subscribe(ctx context.Context, routingKey string) (<-chan Delivery, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, amqp.Table{
		"x-dead-letter-exchange": a.deadLetterExchange(),
	})
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, a.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s to %s: %w", q.Name, routingKey, err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			d := Delivery{
				RoutingKey: m.RoutingKey,
				MessageID:  m.MessageId,
				Body:       m.Body,
				ack:        func() error { return m.Ack(false) },
				reject:     func(requeue bool) error { return m.Reject(requeue) },
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

func (a *AMQPBroker) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.ch, a.conn = nil, nil
	return errors.Join(errs...)
}
