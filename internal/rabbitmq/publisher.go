package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RetryCountHeader counts how many delayed retries a message has been
// through. First deliveries carry 0.
const RetryCountHeader = "x-retry-count"

var ErrNotConfirmed = errors.New("rabbitmq publish not confirmed")

// Publisher publishes JSON messages in confirm mode over a single
// cached channel. A failed publish drops the channel so the next call
// redials; a circuit breaker keeps a dead broker from being hammered.
type Publisher struct {
	url            string
	confirmTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
	breaker        *gobreaker.CircuitBreaker

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]struct{}
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		url:            url,
		confirmTimeout: 5 * time.Second,
		logger:         logger,
		tracer:         otel.Tracer("rabbitmq/publisher"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "rabbitmq-publish",
			Timeout: 10 * time.Second,
		}),
		declared: make(map[string]struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.channel(); err != nil {
		return nil, err
	}

	log.Println("Successfully created RabbitMQ connection ✅")

	return p, nil
}

// Connect dials the broker with exponential backoff and gives up after
// the given number of attempts.
func Connect(ctx context.Context, url string, attempts uint, logger *zap.Logger) (*Publisher, error) {
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 1 * time.Second
	expo.MaxInterval = 5 * time.Second

	var pub *Publisher
	op := func() error {
		p, err := NewPublisher(url, logger)
		if err != nil {
			log.Printf("rabbitmq not ready yet: %v", err)
			return err
		}
		pub = p

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq after %d attempts: %w", attempts, err)
	}

	return pub, nil
}

// Publish sends body to queue and waits for the broker confirm. The
// queue topology is declared before the first publish to each queue.
// The message id travels as an AMQP property so consumers can
// deduplicate redeliveries.
func (p *Publisher) Publish(ctx context.Context, queue, messageID string, body []byte) error {
	ctx, span := p.tracer.Start(ctx, "Publisher.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination", queue),
		attribute.String("messaging.message_id", messageID),
	)

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, queue, messageID, body)
	})
	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (p *Publisher) publish(ctx context.Context, queue, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	if _, ok := p.declared[queue]; !ok {
		if err := DeclareEventQueueTopology(ch, queue); err != nil {
			p.reset()
			return err
		}
		p.declared[queue] = struct{}{}
	}

	headers := amqp.Table{RetryCountHeader: int32(0)}
	injectTraceContext(ctx, headers)

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("error publishing to %s: %w", queue, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		p.reset()
		return fmt.Errorf("error waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}

	return nil
}

// channel returns the cached channel, dialing a fresh connection when
// there is none or the old one died. mu must be held.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("error dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error opening channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error enabling publisher confirms: %w", err)
	}

	p.conn = conn
	p.ch = ch
	p.declared = make(map[string]struct{})

	return ch, nil
}

// mu must be held.
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reset()
}

func injectTraceContext(ctx context.Context, headers amqp.Table) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		headers[k] = v
	}
}

// ExtractTraceContext restores the trace context a publisher injected
// into the message headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
