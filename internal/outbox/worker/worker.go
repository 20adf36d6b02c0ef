package worker

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/ctxlog"
	"github.com/ibras0696/outbox-relay/internal/metrics"
	"github.com/ibras0696/outbox-relay/internal/outbox/domain"
)

type Repository interface {
	Lease(ctx context.Context, limit int, leaseFor time.Duration) ([]*domain.StagedEvent, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string, nextAttemptAt time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, queue, messageID string, body []byte) error
}

// Routes maps event types to their destination queues. A type missing
// from the map has nowhere to be delivered.
type Routes map[string]string

func (r Routes) Route(eventType string) (string, bool) {
	queue, ok := r[eventType]

	return queue, ok
}

// Config holds the scheduler knobs. All fields are required.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Backoff       domain.Backoff
}

// Scheduler drains the outbox: every tick it leases a batch of eligible
// events, publishes them one by one, and records each outcome. Crash
// recovery needs nothing special, an expired lease simply makes the
// event eligible again.
type Scheduler struct {
	repo    Repository
	pub     Publisher
	routes  Routes
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewScheduler(
	repo Repository,
	pub Publisher,
	routes Routes,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		repo:    repo,
		pub:     pub,
		routes:  routes,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("outbox/scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctxlog.Info(
		ctx,
		s.logger,
		"starting outbox scheduler",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("lease_duration", s.cfg.LeaseDuration),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctxlog.Info(ctx, s.logger, "outbox scheduler stopping")

			return
		case <-ticker.C:
			if err := s.processBatch(ctx); err != nil {
				ctxlog.Error(ctx, s.logger, "error processing outbox batch", zap.Error(err))
			}
		}
	}
}

// processBatch runs one poll cycle. A store error skips the cycle, the
// next tick starts clean.
func (s *Scheduler) processBatch(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.processBatch")
	defer span.End()

	events, err := s.repo.Lease(ctx, s.cfg.BatchSize, s.cfg.LeaseDuration)
	if err != nil {
		span.RecordError(err)

		return err
	}

	if len(events) == 0 {
		return nil
	}

	s.metrics.EventsLeased.Add(float64(len(events)))
	span.SetAttributes(attribute.Int("outbox.batch", len(events)))

	ctxlog.Info(ctx, s.logger, "processing outbox events", zap.Int("count", len(events)))

	for _, event := range events {
		s.publishOne(ctx, event)
	}

	return nil
}

// publishOne pushes a single leased event through the broker and
// records the outcome. One bad event never blocks the rest of the
// batch.
func (s *Scheduler) publishOne(ctx context.Context, event *domain.StagedEvent) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.publishOne")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("outbox.event_id", event.ID),
		attribute.String("outbox.event_type", event.EventType),
	)

	queue, ok := s.routes.Route(event.EventType)
	if !ok {
		// A type nobody routes can never be delivered. Park it as
		// PUBLISHED so it stops occupying every future batch.
		ctxlog.Warn(
			ctx,
			s.logger,
			"no route for event type, skipping event",
			zap.Int64("id", event.ID),
			zap.String("event_type", event.EventType),
		)
		s.metrics.EventsSkipped.Inc()

		if err := s.repo.MarkPublished(ctx, event.ID); err != nil {
			ctxlog.Error(ctx, s.logger, "error skipping unroutable event", zap.Int64("id", event.ID), zap.Error(err))
		}

		return
	}

	messageID := strconv.FormatInt(event.ID, 10)

	if err := s.pub.Publish(ctx, queue, messageID, event.Payload); err != nil {
		span.RecordError(err)

		attempts := event.Attempts + 1
		next := time.Now().Add(s.cfg.Backoff.Delay(attempts))

		ctxlog.Warn(
			ctx,
			s.logger,
			"publish failed, rescheduling event",
			zap.Int64("id", event.ID),
			zap.Int32("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(err),
		)
		s.metrics.EventsFailed.Inc()

		if dbErr := s.repo.MarkFailed(ctx, event.ID, err.Error(), next); dbErr != nil {
			ctxlog.Error(ctx, s.logger, "error marking event failed", zap.Int64("id", event.ID), zap.Error(dbErr))
		}

		return
	}

	s.metrics.EventsPublished.Inc()

	if err := s.repo.MarkPublished(ctx, event.ID); err != nil {
		// The broker confirmed but the lease was lost in the meantime,
		// so another worker may deliver the event again. Consumers
		// deduplicate on the message id.
		ctxlog.Error(ctx, s.logger, "error marking event published", zap.Int64("id", event.ID), zap.Error(err))

		return
	}

	ctxlog.Debug(ctx, s.logger, "outbox event published", zap.Int64("id", event.ID))
}
