package service

import (
	"errors"
	"fmt"
)

// Typed outcomes of handling a booking event. The consumption layer maps them
// to acknowledge-vs-redeliver decisions (see worker.ShouldCommit).
var (
	// ErrInvalidEvent marks a malformed envelope. Non-retryable: the event
	// can never become valid, so it is logged and dropped.
	ErrInvalidEvent = errors.New("invalid booking event")

	// ErrPersistenceExhausted marks a ledger that stayed unreachable past the
	// retry budget. Nothing durable exists yet, so the event must be
	// redelivered by the stream.
	ErrPersistenceExhausted = errors.New("order ledger unavailable after retries")

	// ErrInventoryReconciliationFailed marks an order that is durably
	// recorded but whose inventory decrement did not go through. The
	// reconciliation sweep owns recovery; the event is acknowledged.
	ErrInventoryReconciliationFailed = errors.New("inventory not reconciled after retries")
)

// GatewayError is returned by the inventory gateway for non-2xx responses.
// Permanent marks 4xx-style rejections that will never succeed on retry;
// everything else (timeouts, 5xx, connection failures) is transient.
type GatewayError struct {
	StatusCode int
	Permanent  bool
	Message    string
}

func (e *GatewayError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("inventory gateway %s failure (status %d): %s", kind, e.StatusCode, e.Message)
}

// IsPermanentGatewayError reports whether the error is a gateway rejection
// that retrying cannot fix.
func IsPermanentGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Permanent
}
