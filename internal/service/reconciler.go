package service

import (
	"context"
	"time"

	"ticket-order-service/internal/models"
	"ticket-order-service/internal/util"

	"go.uber.org/zap"
)

const sweepLockKey = "reconciliation-sweep"

// SweepLocker coordinates the sweep across instances so at most one runs at a
// time. May be nil for single-instance deployments and tests.
type SweepLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Reconciler periodically re-drives orders stuck in FAILED, or in PERSISTED
// longer than the age threshold, through the inventory gateway. It is the
// out-of-band remediation path for orders the hot path gave up on; redelivery
// never retries them.
type Reconciler struct {
	ledger    OrderLedger
	gateway   InventoryGateway
	publisher OutcomePublisher
	locker    SweepLocker
	interval  time.Duration
	minAge    time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewReconciler creates a reconciliation sweep.
func NewReconciler(
	ledger OrderLedger,
	gateway InventoryGateway,
	publisher OutcomePublisher,
	locker SweepLocker,
	interval, minAge time.Duration,
	batchSize int,
) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		locker:    locker,
		interval:  interval,
		minAge:    minAge,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciliation sweep",
		zap.Duration("interval", r.interval),
		zap.Duration("min_age", r.minAge))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			if recovered, err := r.RunSweep(ctx); err != nil {
				r.logger.Error("Reconciliation sweep failed", zap.Error(err))
			} else if recovered > 0 {
				r.logger.Info("Reconciliation sweep recovered orders",
					zap.Int("recovered", recovered))
			}
		}
	}
}

// RunSweep performs a single sweep pass and reports how many orders were
// promoted to INVENTORY_UPDATED.
func (r *Reconciler) RunSweep(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RunSweep")
	defer span.End()

	if r.locker != nil {
		held, err := r.locker.AcquireLock(ctx, sweepLockKey, r.interval)
		if err != nil {
			r.logger.Warn("Sweep lock unavailable, skipping tick", zap.Error(err))
			return 0, nil
		}
		if !held {
			return 0, nil
		}
		defer func() {
			if err := r.locker.ReleaseLock(ctx, sweepLockKey); err != nil {
				r.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	util.SweepRunsTotal.Inc()

	cutoff := time.Now().Add(-r.minAge)
	orders, err := r.ledger.ListUnreconciled(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range orders {
		order := &orders[i]
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		// One attempt per sweep tick; the same idempotency token keeps
		// repeated sends safe.
		err := r.gateway.UpdateInventory(ctx, order.EventID, order.TicketCount, order.SourceEventID)
		if err != nil {
			if IsPermanentGatewayError(err) {
				// The gateway rejected this order outright; retrying every
				// tick would repeat the same answer. Park it for an operator.
				if uerr := r.ledger.MarkOrderFailed(ctx, order.ID, models.FailureReasonInventoryRejected); uerr != nil {
					r.logger.Error("Failed to park rejected order",
						zap.Int64("order_id", order.ID),
						zap.Error(uerr))
					continue
				}
				r.logger.Warn("Sweep parked permanently rejected order",
					zap.Int64("order_id", order.ID),
					zap.String("event_id", order.EventID),
					zap.Error(err))
				continue
			}
			r.logger.Warn("Sweep inventory update failed",
				zap.Int64("order_id", order.ID),
				zap.String("event_id", order.EventID),
				zap.Error(err))
			if order.State == models.StatePersisted {
				if uerr := r.ledger.MarkOrderFailed(ctx, order.ID, models.FailureReasonInventoryUnreachable); uerr != nil {
					r.logger.Error("Failed to mark swept order FAILED",
						zap.Int64("order_id", order.ID),
						zap.Error(uerr))
				}
			}
			continue
		}

		if uerr := r.ledger.UpdateOrderState(ctx, order.ID, models.StateInventoryUpdated); uerr != nil {
			r.logger.Error("Failed to record swept order transition",
				zap.Int64("order_id", order.ID),
				zap.Error(uerr))
			continue
		}
		order.State = models.StateInventoryUpdated

		util.SweepRecoveredTotal.Inc()
		util.OrdersFulfilledTotal.Inc()
		recovered++
		r.logger.Info("Sweep recovered order",
			zap.Int64("order_id", order.ID),
			zap.String("event_id", order.EventID),
			zap.Int("ticket_count", order.TicketCount))

		publishFulfilled(ctx, r.publisher, r.logger, order)
	}

	return recovered, nil
}
