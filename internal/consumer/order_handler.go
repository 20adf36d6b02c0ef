package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/ctxlog"
)

// TaskDispatcher hands a validated order over to whatever executes it.
type TaskDispatcher interface {
	DispatchOrder(ctx context.Context, orderID string) error
}

// OrderHandler handles new_order messages: it validates the payload,
// deduplicates on the message id, and dispatches the order downstream.
type OrderHandler struct {
	pool     *pgxpool.Pool
	dispatch TaskDispatcher
	logger   *zap.Logger
}

func NewOrderHandler(pool *pgxpool.Pool, dispatch TaskDispatcher, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		pool:     pool,
		dispatch: dispatch,
		logger:   logger,
	}
}

func (h *OrderHandler) Handle(ctx context.Context, msg Message) error {
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if payload.OrderID == "" {
		return fmt.Errorf("%w: order_id is required", ErrMalformedMessage)
	}

	ctxlog.Info(ctx, h.logger, "new_order received", zap.String("order_id", payload.OrderID))

	return Deduped(ctx, h.pool, h.logger, msg.MessageID, func(ctx context.Context) error {
		return h.dispatch.DispatchOrder(ctx, payload.OrderID)
	})
}

// LoggingDispatcher is the default TaskDispatcher: it only records the
// dispatch. Wire in a real task runner to act on orders.
type LoggingDispatcher struct {
	Logger *zap.Logger
}

func (d LoggingDispatcher) DispatchOrder(ctx context.Context, orderID string) error {
	ctxlog.Info(ctx, d.Logger, "new_order dispatched", zap.String("order_id", orderID))

	return nil
}
