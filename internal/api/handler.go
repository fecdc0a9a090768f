package api

import (
	"net/http"
	"strconv"
	"time"

	"ticket-order-service/internal/models"
	"ticket-order-service/internal/redisclient"
	"ticket-order-service/internal/store"
	"ticket-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const orderCacheTTL = 5 * time.Minute

// Handler exposes the read-only operator surface: probes, metrics, order
// lookup and the remediation queue. All writes go through the fulfillment
// core, never through HTTP.
type Handler struct {
	store *store.Store
	cache *redisclient.Client
}

// NewHandler creates a new HTTP handler
func NewHandler(store *store.Store, cache *redisclient.Client) *Handler {
	return &Handler{
		store: store,
		cache: cache,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders", h.listOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck verifies the ledger and cache are reachable.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "database unreachable",
		})
		return
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "redis unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getOrder handles get order by ID with a read-through cache.
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	ctx := c.Request.Context()

	if h.cache != nil {
		if cached, err := h.cache.GetCachedOrder(ctx, orderID); err == nil && cached != nil {
			c.JSON(http.StatusOK, gin.H{"order": cached})
			return
		}
	}

	order, err := h.store.GetOrderByID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	if h.cache != nil && models.IsTerminalSuccess(order.State) {
		_ = h.cache.CacheOrder(ctx, order, orderCacheTTL)
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// listOrders lists orders by fulfillment state, defaulting to the FAILED
// remediation queue.
func (h *Handler) listOrders(c *gin.Context) {
	state := c.DefaultQuery("state", models.StateFailed)
	switch state {
	case models.StateReceived, models.StatePersisted, models.StateInventoryUpdated, models.StateFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown fulfillment state",
		})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid limit",
		})
		return
	}

	orders, err := h.store.ListOrdersByState(c.Request.Context(), state, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":  state,
		"orders": orders,
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
