package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"ticket-order-service/internal/models"
)

// EventPublisher publishes fulfillment outcome events to the order-events
// topic for downstream consumers (notifications, analytics).
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderFulfilled publishes an OrderFulfilled event
func (ep *EventPublisher) PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderFulfillmentFailed publishes an OrderFulfillmentFailed event
func (ep *EventPublisher) PublishOrderFulfillmentFailed(ctx context.Context, event *models.OrderFulfillmentFailedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// DecodeBookingEvent unmarshals a booking envelope from a message payload.
// Structural decode failures are permanent: the payload can never become a
// valid envelope on redelivery.
func DecodeBookingEvent(payload []byte) (*models.BookingEvent, error) {
	var event models.BookingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal booking event: %w", err)
	}
	return &event, nil
}
