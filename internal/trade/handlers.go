package trade

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/pagination"
	"github.com/mbd888/peerex/internal/validation"
)

// IdempotencyHeader carries a client-chosen key that makes a mutating
// request safe to retry.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// Handler provides HTTP endpoints for trades.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new trade handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up trade routes. All routes need an authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/history", h.GetHistory)
	r.POST("/trades/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.Dispute)
	r.POST("/trades/:id/resolve", h.Resolve)
}

// ActorFrom builds the trade actor for the authenticated caller.
func ActorFrom(c *gin.Context) Actor {
	return Actor{ID: auth.UserID(c), Arbiter: auth.IsArbiter(c)}
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := c.GetHeader(IdempotencyHeader)
	if len(key) > maxIdempotencyKeyLen {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": IdempotencyHeader + " must be at most 128 characters",
		})
		return "", false
	}
	return key, true
}

// CreateTrade handles POST /trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	actor := ActorFrom(c)
	t, err := h.service.Create(c.Request.Context(), actor, req, key)
	if err != nil {
		h.writeError(c, actor, "", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// ListTrades handles GET /trades
func (h *Handler) ListTrades(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), auth.UserID(c), ListFilter{
		State:  State(c.Query("state")),
		Cursor: c.Query("cursor"),
		Limit:  pagination.ParseLimit(c.Query("limit"), 50, 200),
	})
	if err != nil {
		h.writeError(c, ActorFrom(c), "", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetTrade handles GET /trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	actor := ActorFrom(c)
	t, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeError(c, actor, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// GetHistory handles GET /trades/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	actor := ActorFrom(c)
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeError(c, actor, c.Param("id"), err)
		return
	}
	if entries == nil {
		entries = []*HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ConfirmPayment handles POST /trades/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	actor := ActorFrom(c)
	t, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), actor, key)
	h.respond(c, actor, t, err)
}

// Release handles POST /trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	actor := ActorFrom(c)
	t, err := h.service.Release(c.Request.Context(), c.Param("id"), actor, key)
	h.respond(c, actor, t, err)
}

// ReasonRequest carries an optional cancel reason or a required dispute reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if !h.validReason(c, req.Reason) {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	actor := ActorFrom(c)
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, req.Reason, key)
	h.respond(c, actor, t, err)
}

// Dispute handles POST /trades/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !h.validReason(c, req.Reason) {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	actor := ActorFrom(c)
	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), actor, req.Reason, key)
	h.respond(c, actor, t, err)
}

// ResolveRequest is an arbiter's decision on a disputed trade.
type ResolveRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// Resolve handles POST /trades/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !h.validReason(c, req.Note) {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	actor := ActorFrom(c)
	t, err := h.service.Resolve(c.Request.Context(), c.Param("id"), actor, req.Outcome, req.Note, key)
	h.respond(c, actor, t, err)
}

func (h *Handler) validReason(c *gin.Context, reason string) bool {
	if errs := validation.Validate(validation.MaxLength("reason", reason, 1000)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context, actor Actor, t *Trade, err error) {
	if err != nil {
		h.writeError(c, actor, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// writeError maps err onto a status code and error code. State conflicts
// carry the current trade so the client can reconcile without a refetch.
func (h *Handler) writeError(c *gin.Context, actor Actor, tradeID string, err error) {
	kind := KindOf(err)
	body := gin.H{"error": ErrorCode(err), "message": err.Error()}

	var rej *RejectError
	if errors.As(err, &rej) {
		body["reason"] = rej.Reason
	}
	if Retryable(err) {
		body["retryable"] = true
	}

	var status int
	switch kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindForbidden:
		status = http.StatusForbidden
	case KindStateConflict:
		status = http.StatusConflict
		if snap := h.snapshot(c, actor, tradeID, rej); snap != nil {
			body["trade"] = snap
		}
	case KindCollaborator:
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("trade request failed", "tradeId", tradeID, "error", err)
		status = http.StatusInternalServerError
		body["message"] = "Internal error"
	}
	c.JSON(status, body)
}

func (h *Handler) snapshot(c *gin.Context, actor Actor, tradeID string, rej *RejectError) *Trade {
	if rej != nil && rej.Trade != nil && CanView(actor, rej.Trade) {
		return rej.Trade
	}
	if tradeID == "" {
		return nil
	}
	t, err := h.service.Get(c.Request.Context(), tradeID, actor)
	if err != nil {
		return nil
	}
	return t
}

// ErrorCode returns the snake_case API code for err.
func ErrorCode(err error) string {
	codes := []struct {
		err  error
		code string
	}{
		{ErrTradeNotFound, "not_found"},
		{ErrOrderNotFound, "order_not_found"},
		{ErrNotDisputed, "not_disputed"},
		{ErrWrongState, "wrong_state"},
		{ErrDeadlineExceeded, "deadline_exceeded"},
		{ErrDeadlineNotReached, "deadline_not_reached"},
		{ErrSettlementInProgress, "settlement_in_progress"},
		{ErrConflict, "conflict"},
		{ErrOrderNotActive, "order_not_active"},
		{ErrInsufficientAvailability, "insufficient_availability"},
		{ErrNotBuyer, "not_buyer"},
		{ErrNotSeller, "not_seller"},
		{ErrNotArbiter, "not_arbiter"},
		{ErrNotParticipant, "not_participant"},
		{ErrWrongActor, "wrong_actor"},
		{ErrEmptyReason, "empty_reason"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrAmountOutOfLimits, "amount_out_of_limits"},
		{ErrInvalidPaymentMethod, "invalid_payment_method"},
		{ErrSelfTrade, "self_trade"},
		{ErrInvalidOutcome, "invalid_outcome"},
		{ErrIdempotencyKeyReuse, "idempotency_key_reuse"},
		{ErrInvalidCursor, "invalid_cursor"},
		{ErrEscrowLockFailed, "escrow_lock_failed"},
		{ErrEscrowReleaseFailed, "escrow_release_failed"},
		{ErrEscrowReturnFailed, "escrow_return_failed"},
		{ErrSettlementPending, "settlement_pending"},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}
