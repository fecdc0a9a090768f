package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticket-order-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// Client wraps Redis for the fulfillment service: a fast-path duplicate check
// for source events, a read-through order cache for the API, and a lock so a
// single instance runs the reconciliation sweep. The ledger's unique
// constraint remains the correctness guarantee; everything here is advisory.
type Client struct {
	rdb      *redis.Client
	eventTTL time.Duration
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(addr, password string, db int, eventTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, eventTTL: eventTTL}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis reachability for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// MarkEventFulfilled records the fulfilled order under its source event ID,
// so redeliveries can be answered without touching the ledger.
func (c *Client) MarkEventFulfilled(ctx context.Context, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf("fulfilled:%s", order.SourceEventID), data, c.eventTTL).Err()
}

// GetFulfilledOrder retrieves the order fulfilled for a source event.
// Returns (nil, nil) on a miss.
func (c *Client) GetFulfilledOrder(ctx context.Context, sourceEventID string) (*models.Order, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf("fulfilled:%s", sourceEventID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CacheOrder stores an order for API reads.
func (c *Client) CacheOrder(ctx context.Context, order *models.Order, ttl time.Duration) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf("order:%d", order.ID), data, ttl).Err()
}

// GetCachedOrder retrieves a cached order. Returns (nil, nil) on a miss.
func (c *Client) GetCachedOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf("order:%d", orderID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
