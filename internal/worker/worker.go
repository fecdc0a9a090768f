package worker

import (
	"context"
	"errors"
	"time"

	"ticket-order-service/internal/broker"
	"ticket-order-service/internal/models"
	"ticket-order-service/internal/service"
	"ticket-order-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// BookingHandler is the fulfillment core as the worker sees it.
type BookingHandler interface {
	HandleBookingEvent(ctx context.Context, event *models.BookingEvent) (*models.Order, error)
}

// MessageSource is the broker consumer as the worker sees it.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessage(ctx context.Context, msg kafka.Message) error
	Close() error
	Topic() string
}

const redeliveryDelay = 5 * time.Second

// FulfillmentWorker consumes booking events and drives them through the
// fulfillment core. It owns the acknowledge-vs-redeliver decision: a message
// whose outcome demands redelivery is re-handled in place, never fetched
// past.
type FulfillmentWorker struct {
	consumer   MessageSource
	core       BookingHandler
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(consumer MessageSource, core BookingHandler) *FulfillmentWorker {
	return &FulfillmentWorker{
		consumer:   consumer,
		core:       core,
		logger:     util.GetLogger(),
		retryDelay: redeliveryDelay,
	}
}

// Start consumes until ctx is cancelled.
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker",
		zap.String("topic", w.consumer.Topic()))

	for {
		msg, err := w.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Fulfillment worker stopped")
				return ctx.Err()
			}
			w.logger.Error("Error fetching message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		event, err := broker.DecodeBookingEvent(msg.Value)
		if err != nil {
			// Garbage payloads can never become valid; drop them.
			util.BookingEventsInvalidTotal.Inc()
			w.logger.Warn("Dropping undecodable message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			w.commit(ctx, msg)
			continue
		}

		if err := w.handleUntilCommittable(ctx, event, msg.Offset); err != nil {
			w.logger.Info("Fulfillment worker stopped")
			return err
		}
		w.commit(ctx, msg)
	}
}

// handleUntilCommittable re-handles one event until it reaches a committable
// outcome or ctx is cancelled. Kafka consumer-group commits are a
// per-partition high-water mark: committing a later offset would also
// acknowledge this message, so the worker must not fetch past it while the
// outcome demands redelivery.
func (w *FulfillmentWorker) handleUntilCommittable(ctx context.Context, event *models.BookingEvent, offset int64) error {
	for {
		_, err := w.core.HandleBookingEvent(ctx, event)
		if ShouldCommit(err) {
			return nil
		}

		w.logger.Error("Re-handling event before advancing the partition",
			zap.Int64("offset", offset),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryDelay):
		}
	}
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	w.logger.Info("Stopping fulfillment worker")
	return w.consumer.Close()
}

func (w *FulfillmentWorker) commit(ctx context.Context, msg kafka.Message) {
	if err := w.consumer.CommitMessage(ctx, msg); err != nil {
		w.logger.Error("Error committing message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// ShouldCommit maps a fulfillment outcome to the offset decision. Invalid
// events are dropped, and reconciliation failures are acknowledged because
// the order is durable and the sweep owns recovery; only a ledger that never
// accepted the order warrants another delivery.
func ShouldCommit(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, service.ErrInvalidEvent) || errors.Is(err, service.ErrInventoryReconciliationFailed) {
		return true
	}
	return false
}
