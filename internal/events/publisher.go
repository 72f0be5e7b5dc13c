package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Exchange is the topic exchange all engine events flow through.
const Exchange = "arcd.events"

// Publisher delivers envelopes to a subject. Delivery is at-least-once;
// consumers dedupe on the envelope's event id.
type Publisher interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	Close() error
}

// HandlerFunc consumes one envelope delivered on a subject. Returning an
// error requeues the delivery.
type HandlerFunc func(ctx context.Context, subject string, env Envelope) error

// Consumer subscribes handlers to subjects.
type Consumer interface {
	Subscribe(queue string, subjects []string, handler HandlerFunc) error
	Close() error
}

// AMQPBus is the RabbitMQ-backed publisher and consumer.
type AMQPBus struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ctx    context.Context
}

// DialAMQP connects to the broker and declares the events exchange.
func DialAMQP(url string, logger *zap.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPBus{conn: conn, ch: ch, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Publish implements Publisher. Messages are persistent; the envelope's
// event id doubles as the AMQP message id for broker-side tracing.
func (b *AMQPBus) Publish(ctx context.Context, subject string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.ch.PublishWithContext(ctx, Exchange, subject, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.OccurredAt,
		Type:          subject,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements Consumer: a durable queue bound to the subjects,
// consumed until Close. Handler errors nack with requeue after a short
// pause so a poisoned message does not spin the consumer.
func (b *AMQPBus) Subscribe(queue string, subjects []string, handler HandlerFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open consume channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("events: declare queue %s: %w", queue, err)
	}
	for _, subject := range subjects {
		if err := ch.QueueBind(queue, subject, Exchange, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("events: bind %s to %s: %w", queue, subject, err)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("events: consume %s: %w", queue, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-b.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				b.dispatch(d, handler)
			}
		}
	}()
	return nil
}

func (b *AMQPBus) dispatch(d amqp.Delivery, handler HandlerFunc) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.logger.Error("events: dropping undecodable delivery",
			zap.String("subject", d.RoutingKey),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := handler(b.ctx, d.RoutingKey, env); err != nil {
		b.logger.Warn("events: handler failed, requeueing",
			zap.String("subject", d.RoutingKey),
			zap.String("event_id", env.EventID),
			zap.String("tenant", env.TenantID),
			zap.Error(err))
		time.Sleep(time.Second)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close stops consumers and closes the connection.
func (b *AMQPBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
