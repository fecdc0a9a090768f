package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket-order-service/internal/models"

	"github.com/lib/pq"
)

// ErrDuplicateOrder is returned by CreateOrder when an order with the same
// source event ID already exists. The unique constraint on source_event_id is
// the correctness guarantee against concurrent duplicate deliveries.
var ErrDuplicateOrder = errors.New("order already exists for source event")

const pqUniqueViolation = "23505"

// CreateOrder inserts a new order row. The order's ID and timestamps are
// filled in from the database on success.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (customer_id, event_id, ticket_count, total_price, state, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, order, query,
		order.CustomerID, order.EventID, order.TicketCount,
		order.TotalPrice, order.State, order.SourceEventID)
	if isUniqueViolation(err) {
		return fmt.Errorf("source_event_id %s: %w", order.SourceEventID, ErrDuplicateOrder)
	}
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySourceEventID retrieves the order created for a source event.
// Returns (nil, nil) when no such order exists.
func (s *Store) GetOrderBySourceEventID(ctx context.Context, sourceEventID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE source_event_id = $1", sourceEventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderState moves an order to a new fulfillment state. The WHERE guard
// mirrors the state machine so a stale writer can never regress a row.
func (s *Store) UpdateOrderState(ctx context.Context, orderID int64, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state != $1 AND state != $3`,
		state, orderID, models.StateInventoryUpdated)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %d: no transition to %s", orderID, state)
	}
	return nil
}

// MarkOrderFailed moves an order to FAILED and records why, so the sweep can
// tell transient failures worth retrying from permanent rejections. Updating
// an already-FAILED row is allowed; only terminal success is guarded.
func (s *Store) MarkOrderFailed(ctx context.Context, orderID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET state = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND state != $4`,
		models.StateFailed, reason, orderID, models.StateInventoryUpdated)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %d: no transition to %s", orderID, models.StateFailed)
	}
	return nil
}

// ListOrdersByState retrieves orders in a given state, newest first.
func (s *Store) ListOrdersByState(ctx context.Context, state string, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE state = $1 ORDER BY created_at DESC LIMIT $2",
		state, limit)
	return orders, err
}

// ListUnreconciled returns orders whose inventory update is still outstanding:
// FAILED orders, plus PERSISTED orders older than the cutoff (a crash between
// the ledger write and the gateway call leaves a PERSISTED row behind).
// Permanently rejected orders are parked: retrying them would only repeat the
// same rejection, so they stay out of the sweep until an operator intervenes.
func (s *Store) ListUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE (state = $1 AND failure_reason != $2) OR (state = $3 AND updated_at < $4)
		ORDER BY updated_at ASC LIMIT $5`,
		models.StateFailed, models.FailureReasonInventoryRejected,
		models.StatePersisted, olderThan, limit)
	return orders, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
