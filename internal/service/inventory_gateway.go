package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ticket-order-service/internal/util"

	"go.uber.org/zap"
)

// InventoryGateway tells the inventory service to release tickets for an
// event. Implementations must treat requestToken as an idempotency key so
// retried decrements are applied at most once downstream.
type InventoryGateway interface {
	UpdateInventory(ctx context.Context, eventID string, ticketCount int, requestToken string) error
}

// InventoryHTTPGateway is the HTTP client for the inventory service.
type InventoryHTTPGateway struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewInventoryHTTPGateway creates a gateway against the given base URL with a
// per-call timeout.
func NewInventoryHTTPGateway(baseURL string, timeout time.Duration) *InventoryHTTPGateway {
	return &InventoryHTTPGateway{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		logger:  util.GetLogger(),
	}
}

// UpdateInventory decrements ticketCount tickets for eventID. A timeout is
// reported as a transient failure: the call may or may not have landed, and
// the idempotency token makes re-sending safe.
func (g *InventoryHTTPGateway) UpdateInventory(ctx context.Context, eventID string, ticketCount int, requestToken string) error {
	ctx, span := util.StartSpan(ctx, "InventoryGateway.UpdateInventory")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v1/inventory/%s?ticketCount=%d",
		g.baseURL, url.PathEscape(eventID), ticketCount)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build inventory request: %w", err)
	}
	req.Header.Set("Idempotency-Key", requestToken)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("Inventory call failed",
			zap.String("event_id", eventID),
			zap.Error(err))
		return &GatewayError{Message: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Permanent:  true,
			Message:    readBody(resp.Body),
		}
	default:
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Message:    readBody(resp.Body),
		}
	}
}

func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return string(data)
}
