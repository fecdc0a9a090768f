package models

import "time"

// Order is the durable record of a fulfilled booking. One BookingEvent yields
// at most one Order, enforced by the unique source_event_id column in the
// ledger. Only the fulfillment core writes to it.
type Order struct {
	ID            int64     `db:"id" json:"id"`
	CustomerID    string    `db:"customer_id" json:"customer_id"`
	EventID       string    `db:"event_id" json:"event_id"`
	TicketCount   int       `db:"ticket_count" json:"ticket_count"`
	TotalPrice    float64   `db:"total_price" json:"total_price"`
	State         string    `db:"state" json:"state"`
	FailureReason string    `db:"failure_reason" json:"failure_reason,omitempty"`
	SourceEventID string    `db:"source_event_id" json:"source_event_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Fulfillment states
const (
	StateReceived         = "RECEIVED"
	StatePersisted        = "PERSISTED"
	StateInventoryUpdated = "INVENTORY_UPDATED"
	StateFailed           = "FAILED"
)

// allowedTransitions encodes the fulfillment state machine. States never
// regress: INVENTORY_UPDATED is terminal; FAILED is terminal for the hot path
// but may still be promoted by the reconciliation sweep. RECEIVED may jump
// straight to INVENTORY_UPDATED when the PERSISTED bookkeeping write was
// missed.
var allowedTransitions = map[string][]string{
	StateReceived:  {StatePersisted, StateInventoryUpdated, StateFailed},
	StatePersisted: {StateInventoryUpdated, StateFailed},
	StateFailed:    {StateInventoryUpdated},
}

// Failure reasons recorded on FAILED orders. Rejections are permanent: the
// sweep parks them in the remediation queue instead of retrying.
const (
	FailureReasonPersistence          = "persistence"
	FailureReasonInventoryUnreachable = "inventory_unreachable"
	FailureReasonInventoryRejected    = "inventory_rejected"
)

// CanTransition reports whether an order may move between two states.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalSuccess reports whether the order has completed fulfillment.
func IsTerminalSuccess(state string) bool {
	return state == StateInventoryUpdated
}
