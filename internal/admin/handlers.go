package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/trade"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	claims     ClaimLister
	recoverer  SettlementRecoverer
	sweeper    Sweeper
	reconciler ReconciliationRunner
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithClaims sets where stuck settlements are listed and recovered.
func (h *Handler) WithClaims(lister ClaimLister, recoverer SettlementRecoverer) *Handler {
	h.claims = lister
	h.recoverer = recoverer
	return h
}

// WithSweeper sets the deadline watcher for on-demand expiry.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithReconciler sets the reconciliation runner.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. The caller restricts the group to
// arbiters.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/trades/stuck", h.listStuck)
	r.POST("/admin/trades/:id/retry-settlement", h.retrySettlement)
	r.POST("/admin/trades/expire-overdue", h.expireOverdue)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listStuck returns trades whose settlement claim has outlived the
// recovery threshold.
func (h *Handler) listStuck(c *gin.Context) {
	if h.claims == nil || h.recoverer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	trades, err := h.claims.ListStaleSettlements(c.Request.Context(), h.now().Add(-h.recoverer.StaleAfter()), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck trades", "message": err.Error()})
		return
	}
	if trades == nil {
		trades = []*trade.Trade{}
	}

	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// retrySettlement finishes one stuck settlement now instead of waiting for
// the watcher.
func (h *Handler) retrySettlement(c *gin.Context) {
	if h.recoverer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade service not configured"})
		return
	}

	t, err := h.recoverer.RecoverStale(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, trade.ErrTradeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		case trade.Retryable(err):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement retry failed", "message": err.Error(), "retryable": true})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement retry failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t, "settled": t.Settlement == nil})
}

// expireOverdue runs one watcher pass immediately.
func (h *Handler) expireOverdue(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade watcher not configured"})
		return
	}

	h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil && report == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}
	resp := gin.H{"report": report}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
