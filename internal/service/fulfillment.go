package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-order-service/internal/models"
	"ticket-order-service/internal/store"
	"ticket-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderLedger is the durable store the fulfillment core writes orders to.
// CreateOrder must return store.ErrDuplicateOrder on a source-event collision.
type OrderLedger interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderBySourceEventID(ctx context.Context, sourceEventID string) (*models.Order, error)
	UpdateOrderState(ctx context.Context, orderID int64, state string) error
	MarkOrderFailed(ctx context.Context, orderID int64, reason string) error
	ListUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error)
}

// OutcomePublisher publishes fulfillment outcome events downstream.
type OutcomePublisher interface {
	PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error
	PublishOrderFulfillmentFailed(ctx context.Context, event *models.OrderFulfillmentFailedEvent) error
}

// DedupCache is the optional fast path for redelivered events whose orders
// already reached terminal success: a hit returns the fulfilled order without
// touching the ledger. Misses and cache errors fall through to the ledger,
// which stays the source of truth.
type DedupCache interface {
	GetFulfilledOrder(ctx context.Context, sourceEventID string) (*models.Order, error)
	MarkEventFulfilled(ctx context.Context, order *models.Order) error
}

// FulfillmentService consumes booking events, records orders exactly once and
// reconciles inventory against them.
type FulfillmentService struct {
	ledger    OrderLedger
	gateway   InventoryGateway
	publisher OutcomePublisher
	dedup     DedupCache
	retry     RetryPolicy
	logger    *zap.Logger
}

// NewFulfillmentService creates the fulfillment core. publisher and dedup may
// be nil.
func NewFulfillmentService(
	ledger OrderLedger,
	gateway InventoryGateway,
	publisher OutcomePublisher,
	dedup DedupCache,
	retry RetryPolicy,
) *FulfillmentService {
	return &FulfillmentService{
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		dedup:     dedup,
		retry:     retry,
		logger:    util.GetLogger(),
	}
}

// HandleBookingEvent processes one booking event delivery. It is idempotent:
// redeliveries of an already-fulfilled event return the existing order
// without side effects, and redeliveries of a partially processed event
// resume where the previous delivery stopped. Holding no in-process lock
// across the ledger write or the gateway call is deliberate; the ledger's
// unique constraint arbitrates concurrent duplicates.
func (s *FulfillmentService) HandleBookingEvent(ctx context.Context, event *models.BookingEvent) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.HandleBookingEvent")
	defer span.End()

	util.BookingEventsReceivedTotal.Inc()
	sourceEventID := event.SourceEventID()

	if s.dedup != nil {
		cached, err := s.dedup.GetFulfilledOrder(ctx, sourceEventID)
		if err != nil {
			s.logger.Warn("Dedup cache lookup failed, falling back to ledger",
				zap.String("source_event_id", sourceEventID),
				zap.Error(err))
		} else if cached != nil {
			util.BookingEventsDuplicateTotal.Inc()
			s.logger.Info("Dropping redelivered event, already fulfilled",
				zap.String("source_event_id", sourceEventID),
				zap.Int64("order_id", cached.ID))
			return cached, nil
		}
	}

	var existing *models.Order
	err := s.retry.Do(ctx, alwaysRetryable, func(ctx context.Context) error {
		var lerr error
		existing, lerr = s.ledger.GetOrderBySourceEventID(ctx, sourceEventID)
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: lookup by source event: %v", ErrPersistenceExhausted, err)
	}
	if existing != nil {
		if models.IsTerminalSuccess(existing.State) {
			util.BookingEventsDuplicateTotal.Inc()
			s.markFulfilled(ctx, existing)
			s.logger.Info("Dropping redelivered event, order already fulfilled",
				zap.String("source_event_id", sourceEventID),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
		s.logger.Info("Resuming reconciliation for redelivered event",
			zap.String("source_event_id", sourceEventID),
			zap.Int64("order_id", existing.ID),
			zap.String("state", existing.State))
		return s.reconcile(ctx, existing)
	}

	if err := event.Validate(); err != nil {
		util.BookingEventsInvalidTotal.Inc()
		s.logger.Warn("Dropping invalid booking event",
			zap.String("user_id", event.UserID),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	order := event.ToOrder()
	s.logger.Info("Booking event received",
		zap.String("source_event_id", sourceEventID),
		zap.String("customer_id", order.CustomerID),
		zap.String("event_id", order.EventID),
		zap.Int("ticket_count", order.TicketCount))

	err = s.retry.Do(ctx, notDuplicate, func(ctx context.Context) error {
		return s.ledger.CreateOrder(ctx, order)
	})
	if errors.Is(err, store.ErrDuplicateOrder) {
		// Lost the race against a concurrent delivery; defer to the winner's row.
		winner, lerr := s.ledger.GetOrderBySourceEventID(ctx, sourceEventID)
		if lerr != nil || winner == nil {
			return nil, fmt.Errorf("%w: lookup after duplicate insert: %v", ErrPersistenceExhausted, lerr)
		}
		if models.IsTerminalSuccess(winner.State) {
			util.BookingEventsDuplicateTotal.Inc()
			s.markFulfilled(ctx, winner)
			return winner, nil
		}
		return s.reconcile(ctx, winner)
	}
	if err != nil {
		order.State = models.StateFailed
		util.OrdersFailedTotal.WithLabelValues(models.FailureReasonPersistence).Inc()
		s.logger.Error("Order ledger write failed",
			zap.String("source_event_id", sourceEventID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: create order: %v", ErrPersistenceExhausted, err)
	}

	if uerr := s.transition(ctx, order, models.StatePersisted); uerr != nil {
		// The row is durable in RECEIVED; reconcile anyway, a redelivery
		// would resume from the row either way.
		s.logger.Warn("Failed to record PERSISTED transition",
			zap.Int64("order_id", order.ID),
			zap.Error(uerr))
	}
	util.OrdersPersistedTotal.Inc()
	s.logger.Info("Order persisted",
		zap.Int64("order_id", order.ID),
		zap.String("source_event_id", sourceEventID))

	return s.reconcile(ctx, order)
}

// reconcile drives a durably recorded order through the inventory update.
func (s *FulfillmentService) reconcile(ctx context.Context, order *models.Order) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryUpdateLatency.Observe(time.Since(start).Seconds())
	}()

	attempts := 0
	err := s.retry.Do(ctx, transientGatewayError, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			util.InventoryUpdateRetriesTotal.Inc()
		}
		return s.gateway.UpdateInventory(ctx, order.EventID, order.TicketCount, order.SourceEventID)
	})
	if err != nil {
		reason := models.FailureReasonInventoryUnreachable
		if IsPermanentGatewayError(err) {
			reason = models.FailureReasonInventoryRejected
		}
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()

		if order.State != models.StateFailed || order.FailureReason != reason {
			if uerr := s.markFailed(ctx, order, reason); uerr != nil {
				s.logger.Error("Failed to mark order FAILED",
					zap.Int64("order_id", order.ID),
					zap.Error(uerr))
			}
		}
		publishFailed(ctx, s.publisher, s.logger, order, reason)
		s.logger.Error("Inventory reconciliation failed, order left for sweep",
			zap.Int64("order_id", order.ID),
			zap.String("event_id", order.EventID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return order, fmt.Errorf("%w: %v", ErrInventoryReconciliationFailed, err)
	}

	if uerr := s.transition(ctx, order, models.StateInventoryUpdated); uerr != nil {
		// Inventory is decremented but the ledger missed it. The sweep will
		// re-send the same idempotency token and record the transition.
		s.logger.Error("Failed to record INVENTORY_UPDATED transition",
			zap.Int64("order_id", order.ID),
			zap.Error(uerr))
		return order, fmt.Errorf("%w: record transition: %v", ErrInventoryReconciliationFailed, uerr)
	}

	util.OrdersFulfilledTotal.Inc()
	s.markFulfilled(ctx, order)
	publishFulfilled(ctx, s.publisher, s.logger, order)
	s.logger.Info("Inventory updated",
		zap.Int64("order_id", order.ID),
		zap.String("event_id", order.EventID),
		zap.Int("ticket_count", order.TicketCount))
	return order, nil
}

// transition validates and applies a state change on both the row and the
// in-memory order.
func (s *FulfillmentService) transition(ctx context.Context, order *models.Order, to string) error {
	if !models.CanTransition(order.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for order %d", order.State, to, order.ID)
	}
	if err := s.ledger.UpdateOrderState(ctx, order.ID, to); err != nil {
		return err
	}
	order.State = to
	return nil
}

// markFailed records the terminal-for-now failure on both the row and the
// in-memory order.
func (s *FulfillmentService) markFailed(ctx context.Context, order *models.Order, reason string) error {
	if !models.CanTransition(order.State, models.StateFailed) && order.State != models.StateFailed {
		return fmt.Errorf("illegal transition %s -> %s for order %d", order.State, models.StateFailed, order.ID)
	}
	if err := s.ledger.MarkOrderFailed(ctx, order.ID, reason); err != nil {
		return err
	}
	order.State = models.StateFailed
	order.FailureReason = reason
	return nil
}

func (s *FulfillmentService) markFulfilled(ctx context.Context, order *models.Order) {
	if s.dedup == nil {
		return
	}
	if err := s.dedup.MarkEventFulfilled(ctx, order); err != nil {
		s.logger.Warn("Failed to mark event in dedup cache",
			zap.String("source_event_id", order.SourceEventID),
			zap.Error(err))
	}
}

func publishFulfilled(ctx context.Context, publisher OutcomePublisher, logger *zap.Logger, order *models.Order) {
	if publisher == nil {
		return
	}
	event := &models.OrderFulfilledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderFulfilled,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		EventID:     order.EventID,
		TicketCount: order.TicketCount,
		TotalPrice:  order.TotalPrice,
	}
	if err := publisher.PublishOrderFulfilled(ctx, event); err != nil {
		logger.Error("Failed to publish OrderFulfilled event", zap.Error(err))
	}
}

func publishFailed(ctx context.Context, publisher OutcomePublisher, logger *zap.Logger, order *models.Order, reason string) {
	if publisher == nil {
		return
	}
	event := &models.OrderFulfillmentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderFulfillmentFailed,
			Timestamp: time.Now(),
		},
		OrderID: order.ID,
		Reason:  reason,
	}
	if err := publisher.PublishOrderFulfillmentFailed(ctx, event); err != nil {
		logger.Error("Failed to publish OrderFulfillmentFailed event", zap.Error(err))
	}
}

func alwaysRetryable(error) bool { return true }

func notDuplicate(err error) bool {
	return !errors.Is(err, store.ErrDuplicateOrder)
}

func transientGatewayError(err error) bool {
	return !IsPermanentGatewayError(err)
}
