package order

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/validation"
)

// Handler provides HTTP endpoints for ads.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes. All routes need an authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verrs.Error(), "details": verrs})
			return
		}
		h.logger.Error("create order failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create order"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// ListOrders handles GET /orders. With mine=true it lists the caller's ads in
// any status; otherwise active ads filtered by side, asset and fiat.
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	var (
		orders []*Order
		err    error
	)
	if c.Query("mine") == "true" {
		orders, err = h.service.ListByOwner(c.Request.Context(), auth.UserID(c), limit)
	} else {
		orders, err = h.service.ListActive(c.Request.Context(), ListFilter{
			Side:         Side(c.Query("side")),
			CryptoAsset:  c.Query("asset"),
			FiatCurrency: c.Query("fiat"),
			Limit:        limit,
		})
	}
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list orders"})
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": "Only the order owner can do this"})
	default:
		h.logger.Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Order request failed"})
	}
}
