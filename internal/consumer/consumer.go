package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/ctxlog"
	"github.com/ibras0696/outbox-relay/internal/metrics"
	"github.com/ibras0696/outbox-relay/internal/rabbitmq"
)

// ErrMalformedMessage marks a message that handling can never fix.
// Handlers wrap it to send a delivery straight to the DLQ instead of
// burning retries on it.
var ErrMalformedMessage = errors.New("malformed message")

const reconnectDelay = 2 * time.Second

// Message is what a handler sees of an AMQP delivery.
type Message struct {
	MessageID  string
	Body       []byte
	RetryCount int
}

type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// Config holds the consumer knobs. All fields are required.
type Config struct {
	Queue      string
	MaxRetries int
	RetryBase  time.Duration
	Prefetch   int
}

// Consumer reads the main queue and settles every delivery in exactly
// one of three ways: ack on success, republish to the retry queue with
// a TTL for a delayed redelivery, or reject to the DLQ when the retry
// budget is spent or the message is beyond repair.
type Consumer struct {
	url     string
	cfg     Config
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(url string, cfg Config, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		url:     url,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("consumer"),
	}
}

// Run consumes until ctx is cancelled, redialing whenever the broker
// connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	ctxlog.Info(ctx, c.logger, "consumer started", zap.String("queue", c.cfg.Queue))

	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			ctxlog.Info(ctx, c.logger, "consumer stopping")

			return ctx.Err()
		}

		ctxlog.Warn(ctx, c.logger, "consumer connection failed", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("error dialing rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("error opening channel: %w", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareEventQueueTopology(ch, c.cfg.Queue); err != nil {
		return err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("error setting qos: %w", err)
	}

	tag := "consumer-" + uuid.NewString()
	deliveries, err := ch.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error starting consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}

			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			c.handleDelivery(ctx, ch, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	ctx = rabbitmq.ExtractTraceContext(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, "Consumer.handleDelivery", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	retryCount := retryCountFrom(d.Headers)

	span.SetAttributes(
		attribute.String("messaging.message_id", d.MessageId),
		attribute.Int("messaging.retry_count", retryCount),
	)

	err := c.handler.Handle(ctx, Message{
		MessageID:  d.MessageId,
		Body:       d.Body,
		RetryCount: retryCount,
	})

	switch decide(retryCount, c.cfg.MaxRetries, err) {
	case ActionAck:
		if ackErr := d.Ack(false); ackErr != nil {
			ctxlog.Error(ctx, c.logger, "error acking message", zap.Error(ackErr))

			return
		}
		c.metrics.MessagesAcked.Inc()

	case ActionReject:
		span.RecordError(err)
		ctxlog.Warn(
			ctx,
			c.logger,
			"rejecting message to dead letter queue",
			zap.String("message_id", d.MessageId),
			zap.Int("retry_count", retryCount),
			zap.Error(err),
		)

		if rejErr := d.Reject(false); rejErr != nil {
			ctxlog.Error(ctx, c.logger, "error rejecting message", zap.Error(rejErr))

			return
		}
		c.metrics.MessagesRejected.Inc()

	case ActionRetry:
		span.RecordError(err)

		delay := c.cfg.RetryBase << uint(retryCount)
		ctxlog.Warn(
			ctx,
			c.logger,
			"handler failed, scheduling delayed retry",
			zap.String("message_id", d.MessageId),
			zap.Int("retry_count", retryCount),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if pubErr := c.publishRetry(ctx, ch, d, retryCount+1, delay); pubErr != nil {
			// Keep the original delivery alive, the broker will hand
			// it to us again.
			ctxlog.Error(ctx, c.logger, "error publishing retry, requeueing delivery", zap.Error(pubErr))

			if nackErr := d.Nack(false, true); nackErr != nil {
				ctxlog.Error(ctx, c.logger, "error nacking message", zap.Error(nackErr))
			}

			return
		}

		if ackErr := d.Ack(false); ackErr != nil {
			ctxlog.Error(ctx, c.logger, "error acking retried message", zap.Error(ackErr))

			return
		}
		c.metrics.MessagesRetried.Inc()
	}
}

// publishRetry parks a copy of the delivery on the retry queue with a
// per-message TTL; expiry dead-letters it back onto the main queue.
// Headers travel along so the trace context and retry counter survive
// the round trip.
func (c *Consumer) publishRetry(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, nextRetryCount int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[rabbitmq.RetryCountHeader] = int32(nextRetryCount)

	return ch.PublishWithContext(ctx, "", rabbitmq.RetryQueue(c.cfg.Queue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         d.Body,
	})
}

type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionReject
)

// decide settles a handled delivery. nil acks. A malformed message
// goes straight to the DLQ, retrying cannot fix it. Everything else
// retries until the budget is spent.
func decide(retryCount, maxRetries int, err error) Action {
	if err == nil {
		return ActionAck
	}

	if errors.Is(err, ErrMalformedMessage) {
		return ActionReject
	}

	if retryCount >= maxRetries {
		return ActionReject
	}

	return ActionRetry
}

// retryCountFrom reads the retry counter, tolerating the integer types
// an AMQP table can carry. Anything unreadable counts as a first
// delivery.
func retryCountFrom(headers amqp.Table) int {
	v, ok := headers[rabbitmq.RetryCountHeader]
	if !ok {
		return 0
	}

	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case int16:
		return int(n)
	case int8:
		return int(n)
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}

		return parsed
	default:
		return 0
	}
}
