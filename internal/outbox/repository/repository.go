package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/ctxlog"
	"github.com/ibras0696/outbox-relay/internal/outbox/domain"
)

// Repository reads and writes staged events. Rows are never deleted:
// published events stay behind as the audit trail.
type Repository struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{
		pool:   pool,
		tracer: otel.Tracer("outbox/repository"),
		logger: logger,
	}
}

// Append stages an event inside the caller's transaction, so the event
// commits or rolls back together with the business change that caused
// it. Server-assigned fields are written back into event.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, event *domain.StagedEvent) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Append")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.event_type", event.EventType),
		attribute.String("outbox.aggregate_id", event.AggregateID),
	)

	query := `
		INSERT INTO outbox_events (event_type, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, status, attempts, next_attempt_at, created_at
	`

	var status string
	err := tx.QueryRow(ctx, query, event.EventType, event.AggregateID, event.Payload).Scan(
		&event.ID,
		&status,
		&event.Attempts,
		&event.NextAttemptAt,
		&event.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("error staging outbox event: %w", err)
	}

	event.Status, err = domain.ParseStatus(status)
	if err != nil {
		span.RecordError(err)

		return err
	}

	return nil
}

// Lease claims up to limit eligible events for this worker, oldest
// first. Eligible means PENDING, or PROCESSING with an expired lease,
// with next_attempt_at due. Claimed rows get their next_attempt_at
// pushed to now+leaseFor, which is the lease: until it passes, no other
// worker sees them. The claim commits before any publish I/O happens.
// Rows locked by a concurrent lease are skipped, not waited on.
func (r *Repository) Lease(ctx context.Context, limit int, leaseFor time.Duration) ([]*domain.StagedEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Lease")
	defer span.End()

	span.SetAttributes(
		attribute.Int("outbox.limit", limit),
		attribute.String("outbox.lease_for", leaseFor.String()),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error beginning lease transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Error(cleanupCtx, r.logger, "lease transaction rollback failed", zap.Error(err))
		}
	}()

	selectQuery := `
		SELECT id, event_type, aggregate_id, payload, status, attempts,
		       next_attempt_at, last_error, created_at, published_at
		FROM outbox_events
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND next_attempt_at <= NOW()
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, selectQuery, limit)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error querying eligible events: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	if len(events) == 0 {
		if err := tx.Commit(ctx); err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error committing empty lease: %w", err)
		}

		return nil, nil
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}

	claimQuery := `
		UPDATE outbox_events
		SET status = 'PROCESSING',
		    next_attempt_at = NOW() + make_interval(secs => $1)
		WHERE id = ANY($2)
		RETURNING id, next_attempt_at
	`

	claimed, err := tx.Query(ctx, claimQuery, leaseFor.Seconds(), ids)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error claiming events: %w", err)
	}

	leasedUntil := make(map[int64]time.Time, len(events))
	for claimed.Next() {
		var (
			id   int64
			next time.Time
		)
		if err := claimed.Scan(&id, &next); err != nil {
			claimed.Close()
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning claimed event: %w", err)
		}
		leasedUntil[id] = next
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error reading claimed events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error committing lease: %w", err)
	}

	for _, e := range events {
		e.Status = domain.StatusProcessing
		if next, ok := leasedUntil[e.ID]; ok {
			e.NextAttemptAt = next
		}
	}

	span.SetAttributes(attribute.Int("outbox.leased", len(events)))
	ctxlog.Debug(ctx, r.logger, "leased outbox events", zap.Int("count", len(events)))

	return events, nil
}

// MarkPublished records a broker-confirmed publish. Only a PROCESSING
// row can move to PUBLISHED; anything else means the lease was lost.
func (r *Repository) MarkPublished(ctx context.Context, id int64) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkPublished")
	defer span.End()

	span.SetAttributes(attribute.Int64("outbox.event_id", id))

	query := `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'PROCESSING'
	`

	res, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("error marking event published: %w", err)
	}

	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %d is not PROCESSING", domain.ErrIllegalTransition, id)
	}

	return nil
}

// MarkFailed records a failed publish attempt: the event returns to
// PENDING with attempts bumped, the failure cause kept, and the next
// try scheduled at nextAttemptAt. The same lease-loss guard as
// MarkPublished applies.
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause string, nextAttemptAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkFailed")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("outbox.event_id", id),
		attribute.String("outbox.error_message", cause),
	)

	query := `
		UPDATE outbox_events
		SET status = 'PENDING',
		    attempts = attempts + 1,
		    next_attempt_at = $2,
		    last_error = $3
		WHERE id = $1 AND status = 'PROCESSING'
	`

	res, err := r.pool.Exec(ctx, query, id, nextAttemptAt, cause)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("error marking event failed: %w", err)
	}

	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %d is not PROCESSING", domain.ErrIllegalTransition, id)
	}

	return nil
}

func scanEvents(rows pgx.Rows) ([]*domain.StagedEvent, error) {
	defer rows.Close()

	var events []*domain.StagedEvent
	for rows.Next() {
		var (
			e      domain.StagedEvent
			status string
		)
		if err := rows.Scan(
			&e.ID,
			&e.EventType,
			&e.AggregateID,
			&e.Payload,
			&status,
			&e.Attempts,
			&e.NextAttemptAt,
			&e.LastError,
			&e.CreatedAt,
			&e.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning event: %w", err)
		}

		parsed, err := domain.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		e.Status = parsed

		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading events: %w", err)
	}

	return events, nil
}
