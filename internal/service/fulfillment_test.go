package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticket-order-service/internal/models"
	"ticket-order-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-memory OrderLedger keyed by source event ID.
type fakeLedger struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	nextID      int64
	createErrs  []error // consumed one per CreateOrder call before real inserts
	lookupErrs  []error
	missLookups int // pretend the next N lookups see no row
	lookups     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{orders: make(map[string]*models.Order)}
}

func (f *fakeLedger) CreateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return err
	}
	if _, ok := f.orders[order.SourceEventID]; ok {
		return fmt.Errorf("source_event_id %s: %w", order.SourceEventID, store.ErrDuplicateOrder)
	}
	f.nextID++
	order.ID = f.nextID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	row := *order
	f.orders[order.SourceEventID] = &row
	return nil
}

func (f *fakeLedger) GetOrderBySourceEventID(ctx context.Context, sourceEventID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if len(f.lookupErrs) > 0 {
		err := f.lookupErrs[0]
		f.lookupErrs = f.lookupErrs[1:]
		return nil, err
	}
	if f.missLookups > 0 {
		f.missLookups--
		return nil, nil
	}
	row, ok := f.orders[sourceEventID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (f *fakeLedger) UpdateOrderState(ctx context.Context, orderID int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.orders {
		if row.ID == orderID {
			row.State = state
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("order %d: no transition to %s", orderID, state)
}

func (f *fakeLedger) MarkOrderFailed(ctx context.Context, orderID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.orders {
		if row.ID == orderID {
			if row.State == models.StateInventoryUpdated {
				return fmt.Errorf("order %d: no transition to %s", orderID, models.StateFailed)
			}
			row.State = models.StateFailed
			row.FailureReason = reason
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("order %d: no transition to %s", orderID, models.StateFailed)
}

func (f *fakeLedger) ListUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, row := range f.orders {
		if len(out) >= limit {
			break
		}
		if row.State == models.StateFailed && row.FailureReason == models.FailureReasonInventoryRejected {
			continue
		}
		if row.State == models.StateFailed ||
			(row.State == models.StatePersisted && row.UpdatedAt.Before(olderThan)) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeLedger) get(sourceEventID string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.orders[sourceEventID]; ok {
		copied := *row
		return &copied
	}
	return nil
}

func (f *fakeLedger) seed(order models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	order.ID = f.nextID
	f.orders[order.SourceEventID] = &order
}

type gatewayCall struct {
	eventID string
	count   int
	token   string
}

// fakeGateway records decrement calls and fails according to its error queue.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	errs    []error // consumed one per call; nil entry means success
	failAll error   // when set, every call fails with this error
}

func (f *fakeGateway) UpdateInventory(ctx context.Context, eventID string, ticketCount int, requestToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, gatewayCall{eventID: eventID, count: ticketCount, token: requestToken})
	if f.failAll != nil {
		return f.failAll
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakePublisher counts outcome events.
type fakePublisher struct {
	mu        sync.Mutex
	fulfilled []*models.OrderFulfilledEvent
	failed    []*models.OrderFulfillmentFailedEvent
}

func (f *fakePublisher) PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, event)
	return nil
}

func (f *fakePublisher) PublishOrderFulfillmentFailed(ctx context.Context, event *models.OrderFulfillmentFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, event)
	return nil
}

// fakeDedup is an in-memory DedupCache.
type fakeDedup struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{orders: make(map[string]*models.Order)}
}

func (f *fakeDedup) GetFulfilledOrder(ctx context.Context, sourceEventID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.orders[sourceEventID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (f *fakeDedup) MarkEventFulfilled(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *order
	f.orders[order.SourceEventID] = &copied
	return nil
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Factor:      2,
		Cap:         5 * time.Millisecond,
	}
}

func bookingEvent() *models.BookingEvent {
	return &models.BookingEvent{
		UserID:      "u1",
		EventID:     "e42",
		TicketCount: 3,
		TotalPrice:  150.00,
	}
}

func newTestService(ledger *fakeLedger, gateway *fakeGateway) (*FulfillmentService, *fakePublisher) {
	publisher := &fakePublisher{}
	return NewFulfillmentService(ledger, gateway, publisher, nil, testRetryPolicy()), publisher
}

func TestHandleBookingEventSuccess(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc, publisher := newTestService(ledger, gateway)

	order, err := svc.HandleBookingEvent(context.Background(), bookingEvent())
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, "u1", order.CustomerID)
	assert.Equal(t, "e42", order.EventID)
	assert.Equal(t, 3, order.TicketCount)
	assert.Equal(t, 150.00, order.TotalPrice)
	assert.Equal(t, models.StateInventoryUpdated, order.State)

	require.Equal(t, 1, gateway.callCount())
	assert.Equal(t, gatewayCall{eventID: "e42", count: 3, token: order.SourceEventID}, gateway.calls[0])

	stored := ledger.get(order.SourceEventID)
	require.NotNil(t, stored)
	assert.Equal(t, models.StateInventoryUpdated, stored.State)

	assert.Len(t, publisher.fulfilled, 1)
	assert.Empty(t, publisher.failed)
}

func TestHandleBookingEventDuplicateDelivery(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.HandleBookingEvent(ctx, bookingEvent())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, ledger.count(), "one order for N deliveries")
	assert.Equal(t, 1, gateway.callCount(), "inventory decremented once")
}

func TestHandleBookingEventInvalid(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	event := bookingEvent()
	event.TicketCount = 0

	order, err := svc.HandleBookingEvent(context.Background(), event)
	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 0, ledger.count(), "no row for invalid input")
	assert.Equal(t, 0, gateway.callCount())
}

func TestHandleBookingEventGatewayExhausted(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{failAll: &GatewayError{StatusCode: 503, Message: "unavailable"}}
	svc, publisher := newTestService(ledger, gateway)

	order, err := svc.HandleBookingEvent(context.Background(), bookingEvent())
	assert.ErrorIs(t, err, ErrInventoryReconciliationFailed)
	require.NotNil(t, order)
	assert.Equal(t, models.StateFailed, order.State)

	// ledger row survives for the reconciliation sweep
	stored := ledger.get(order.SourceEventID)
	require.NotNil(t, stored)
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Equal(t, models.FailureReasonInventoryUnreachable, stored.FailureReason)

	assert.Equal(t, testRetryPolicy().MaxAttempts, gateway.callCount())
	assert.Len(t, publisher.failed, 1)
	assert.Empty(t, publisher.fulfilled)
}

func TestHandleBookingEventPermanentRejection(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{failAll: &GatewayError{StatusCode: 404, Permanent: true, Message: "unknown event"}}
	svc, _ := newTestService(ledger, gateway)

	order, err := svc.HandleBookingEvent(context.Background(), bookingEvent())
	assert.ErrorIs(t, err, ErrInventoryReconciliationFailed)
	require.NotNil(t, order)
	assert.Equal(t, models.StateFailed, order.State)
	assert.Equal(t, models.FailureReasonInventoryRejected, order.FailureReason)

	stored := ledger.get(order.SourceEventID)
	require.NotNil(t, stored)
	assert.Equal(t, models.FailureReasonInventoryRejected, stored.FailureReason)

	assert.Equal(t, 1, gateway.callCount(), "permanent rejections are not retried")
}

func TestHandleBookingEventTransientLedgerRecovers(t *testing.T) {
	ledger := newFakeLedger()
	ledger.createErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	order, err := svc.HandleBookingEvent(context.Background(), bookingEvent())
	require.NoError(t, err)
	assert.Equal(t, models.StateInventoryUpdated, order.State)
	assert.Equal(t, 1, gateway.callCount())
}

func TestHandleBookingEventPersistenceExhausted(t *testing.T) {
	ledger := newFakeLedger()
	ledger.createErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	order, err := svc.HandleBookingEvent(context.Background(), bookingEvent())
	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.Equal(t, 0, ledger.count())
	assert.Equal(t, 0, gateway.callCount(), "no inventory call without a durable order")
}

func TestHandleBookingEventResumesStuckOrder(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	event := bookingEvent()
	ledger.seed(models.Order{
		CustomerID:    event.UserID,
		EventID:       event.EventID,
		TicketCount:   event.TicketCount,
		TotalPrice:    event.TotalPrice,
		State:         models.StateFailed,
		SourceEventID: event.SourceEventID(),
	})

	order, err := svc.HandleBookingEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, models.StateInventoryUpdated, order.State)
	assert.Equal(t, 1, ledger.count(), "redelivery must not create a second row")
	assert.Equal(t, 1, gateway.callCount())
}

func TestHandleBookingEventDedupCacheFastPath(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	dedup := newFakeDedup()
	publisher := &fakePublisher{}
	svc := NewFulfillmentService(ledger, gateway, publisher, dedup, testRetryPolicy())

	ctx := context.Background()
	event := bookingEvent()

	first, err := svc.HandleBookingEvent(ctx, event)
	require.NoError(t, err)
	cached, err := dedup.GetFulfilledOrder(ctx, first.SourceEventID)
	require.NoError(t, err)
	require.NotNil(t, cached, "fulfillment stores the order in the cache")

	lookupsAfterFirst := ledger.lookups
	second, err := svc.HandleBookingEvent(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, second, "cache hit returns the fulfilled order")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StateInventoryUpdated, second.State)
	assert.Equal(t, lookupsAfterFirst, ledger.lookups, "cache hit short-circuits before the ledger")
	assert.Equal(t, 1, gateway.callCount())
}

func TestHandleBookingEventConcurrentDuplicateInsert(t *testing.T) {
	// Simulate losing the insert race: the lookup misses, the insert hits the
	// unique constraint, and the handler defers to the winner's row.
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc, _ := newTestService(ledger, gateway)

	event := bookingEvent()
	winner := models.Order{
		CustomerID:    event.UserID,
		EventID:       event.EventID,
		TicketCount:   event.TicketCount,
		TotalPrice:    event.TotalPrice,
		State:         models.StateInventoryUpdated,
		SourceEventID: event.SourceEventID(),
	}

	// The first lookup misses, the row lands concurrently, and the insert
	// collides with it.
	ledger.seed(winner)
	ledger.missLookups = 1

	order, err := svc.HandleBookingEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, models.StateInventoryUpdated, order.State)
	assert.Equal(t, 1, ledger.count())
	assert.Equal(t, 0, gateway.callCount(), "fulfilled winner means no further decrement")
}
