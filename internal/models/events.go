package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sourceEventNamespace is the fixed UUID namespace for deriving deterministic
// source event IDs. Changing it breaks deduplication against existing ledger
// rows, so it is frozen.
var sourceEventNamespace = uuid.MustParse("7c9e6f1a-44c2-4b05-9e1d-2f8a31c0bd64")

// BookingEvent is the immutable envelope the booking service publishes on the
// "booking" topic when a customer completes a booking. Delivery is
// at-least-once; the envelope carries no broker-assigned identity, so the
// fulfillment core derives one (see SourceEventID).
type BookingEvent struct {
	BookingID   string  `json:"booking_id,omitempty"`
	UserID      string  `json:"user_id"`
	EventID     string  `json:"event_id"`
	TicketCount int     `json:"ticket_count"`
	TotalPrice  float64 `json:"total_price"`
}

// Validate checks the envelope invariants. A failing event can never become
// valid on redelivery.
func (e *BookingEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("missing user_id")
	}
	if e.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	if e.TicketCount <= 0 {
		return fmt.Errorf("ticket_count must be positive, got %d", e.TicketCount)
	}
	if e.TotalPrice < 0 {
		return fmt.Errorf("total_price must be non-negative, got %v", e.TotalPrice)
	}
	return nil
}

// SourceEventID returns the deterministic deduplication identity for the
// event. Producers that set booking_id win; otherwise the ID is a SHA1 UUID
// over the canonical field string, so redeliveries of the same envelope always
// map to the same ledger row.
func (e *BookingEvent) SourceEventID() string {
	name := e.BookingID
	if name == "" {
		name = strings.Join([]string{
			e.UserID,
			e.EventID,
			strconv.Itoa(e.TicketCount),
			strconv.FormatFloat(e.TotalPrice, 'f', -1, 64),
		}, "|")
	}
	return uuid.NewSHA1(sourceEventNamespace, []byte(name)).String()
}

// ToOrder builds the Order the core will persist for this event.
func (e *BookingEvent) ToOrder() *Order {
	return &Order{
		CustomerID:    e.UserID,
		EventID:       e.EventID,
		TicketCount:   e.TicketCount,
		TotalPrice:    e.TotalPrice,
		State:         StateReceived,
		SourceEventID: e.SourceEventID(),
	}
}

// Event types published on the order-events topic
const (
	EventTypeOrderFulfilled         = "ORDER_FULFILLED"
	EventTypeOrderFulfillmentFailed = "ORDER_FULFILLMENT_FAILED"
)

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderFulfilledEvent is published once an order reaches INVENTORY_UPDATED.
type OrderFulfilledEvent struct {
	BaseEvent
	OrderID     int64   `json:"order_id"`
	CustomerID  string  `json:"customer_id"`
	EventID     string  `json:"ticket_event_id"`
	TicketCount int     `json:"ticket_count"`
	TotalPrice  float64 `json:"total_price"`
}

// OrderFulfillmentFailedEvent is published when an order lands in FAILED and
// is left to the reconciliation sweep.
type OrderFulfillmentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}
