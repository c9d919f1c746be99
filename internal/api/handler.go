package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/service"
	"food-payments/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	payments     *service.PaymentOrchestrator
	checks       map[string]ReadinessCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, payments *service.PaymentOrchestrator, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		orderService: orderService,
		payments:     payments,
		checks:       checks,
		logger:       util.Component("api"),
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
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/status", h.getOrderStatus)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/users/:id/orders", h.getUserOrders)

		payments := v1.Group("/payments")
		payments.POST("/create", h.createPayment)
		payments.GET("/capture", h.capturePayment)
		payments.POST("/cancel", h.cancelPayment)
		payments.GET("/tasks/:id", h.getPaymentStatus)
		payments.GET("/queue", h.viewQueue)
		payments.DELETE("/queue", h.clearQueue)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check and reports each result
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": results,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation(err, "invalid request body"))
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.idParam(c)
	if !ok {
		return
	}

	details, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

func (h *Handler) getOrderStatus(c *gin.Context) {
	orderID, ok := h.idParam(c)
	if !ok {
		return
	}

	view, err := h.orderService.GetOrderStatus(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.idParam(c)
	if !ok {
		return
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) getUserOrders(c *gin.Context) {
	userID, ok := h.idParam(c)
	if !ok {
		return
	}

	orders, err := h.orderService.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type createPaymentRequest struct {
	OrderID int64 `json:"order_id" binding:"required,gt=0"`
}

func (h *Handler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation(err, "invalid request body"))
		return
	}

	result, err := h.payments.CreatePayment(c.Request.Context(), req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// capturePayment is the gateway's return URL; the gateway order id arrives as token.
func (h *Handler) capturePayment(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h.fail(c, errs.Validation(nil, "token query parameter is required"))
		return
	}

	result, err := h.payments.CapturePayment(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type cancelPaymentRequest struct {
	GatewayOrderID string `json:"paypal_order_id" binding:"required"`
}

func (h *Handler) cancelPayment(c *gin.Context) {
	var req cancelPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation(err, "invalid request body"))
		return
	}

	order, err := h.payments.CancelUserPayment(c.Request.Context(), req.GatewayOrderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) getPaymentStatus(c *gin.Context) {
	taskID := c.Param("id")

	state, err := h.payments.GetPaymentStatus(c.Request.Context(), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": state})
}

func (h *Handler) viewQueue(c *gin.Context) {
	snap, err := h.payments.ViewQueue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *Handler) clearQueue(c *gin.Context) {
	dropped, err := h.payments.ClearQueue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purged": dropped})
}

func (h *Handler) idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, errs.Validation(err, "invalid id"))
		return 0, false
	}
	return id, true
}

// fail renders err with the status of its code. Untyped errors are logged
// and reported as INTERNAL_ERROR without their message.
func (h *Handler) fail(c *gin.Context, err error) {
	typed := errs.As(err)
	if typed == nil {
		h.logger.Error("Unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		typed = errs.Wrap(errs.CodeInternal, err, "internal error")
	} else if typed.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Warn("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"error":   typed.Code(),
		"message": typed.Message(),
	}
	if details := typed.Details(); details != nil {
		body["details"] = details
	}
	c.JSON(typed.HTTPStatus(), body)
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
