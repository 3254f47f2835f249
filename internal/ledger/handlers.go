package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for custody balances.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up routes for the authenticated account.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances", h.ListBalances)
	r.GET("/balances/entries", h.ListEntries)
}

// RegisterOperatorRoutes sets up routes that move funds on behalf of others.
// The caller restricts the group to operators.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.Deposit)
	r.GET("/holds/:ref", h.GetHold)
}

// ListBalances handles GET /balances
func (h *Handler) ListBalances(c *gin.Context) {
	balances, err := h.service.Balances(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.logger.Error("list balances failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list balances"})
		return
	}
	if balances == nil {
		balances = []*Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// ListEntries handles GET /balances/entries
func (h *Handler) ListEntries(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	entries, err := h.service.Entries(c.Request.Context(), auth.UserID(c), c.Query("asset"), limit)
	if err != nil {
		h.logger.Error("list entries failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list entries"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest credits an account with crypto received off-platform.
type DepositRequest struct {
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// Deposit handles POST /deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("account", req.Account),
		validation.Required("asset", req.Asset),
		validation.MaxLength("asset", req.Asset, 16),
		validation.PositiveAmount("amount", req.Amount, Places),
		validation.MaxLength("reference", req.Reference, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	bal, err := h.service.Deposit(c.Request.Context(), req.Account, req.Asset, req.Amount, req.Reference)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		h.logger.Error("deposit failed", "account", req.Account, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to credit deposit"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balance": bal})
}

// GetHold handles GET /holds/:ref
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.service.Hold(c.Request.Context(), c.Param("ref"))
	if errors.Is(err, ErrHoldNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Hold not found"})
		return
	}
	if err != nil {
		h.logger.Error("get hold failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get hold"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}
