package consumer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/ctxlog"
)

// Deduped runs action at most once per message id. The id is claimed in
// processed_events inside a transaction that commits only after action
// succeeds, so a failed action releases the claim and the retry runs
// action again. A duplicate id skips action and reports success, which
// is what makes at-least-once delivery safe downstream.
func Deduped(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *zap.Logger,
	messageID string,
	action func(ctx context.Context) error,
) error {
	if messageID == "" {
		// Nothing to key the claim on, run the action as is.
		ctxlog.Debug(ctx, logger, "message has no id, skipping deduplication")

		return action(ctx)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Error(cleanupCtx, logger, "error rolling back deduplication transaction", zap.Error(err))
		}
	}()

	query := `
		INSERT INTO processed_events (message_id)
		VALUES ($1)
	`

	_, err = tx.Exec(ctx, query, messageID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			ctxlog.Info(
				ctx,
				logger,
				"message already processed, skipping",
				zap.String("message_id", messageID),
			)

			return nil
		}

		return err
	}

	if err := action(ctx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
