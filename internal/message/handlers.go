package message

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/validation"
)

// Handler provides HTTP endpoints for trade chat.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new message handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up message routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/messages", h.ListMessages)
	r.POST("/trades/:id/messages", h.SendMessage)
}

func callerFrom(c *gin.Context) Caller {
	return Caller{ID: auth.UserID(c), Arbiter: auth.IsArbiter(c)}
}

// ListMessages handles GET /trades/:id/messages?afterSeq=&limit=
func (h *Handler) ListMessages(c *gin.Context) {
	var afterSeq int64
	if raw := c.Query("afterSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "afterSeq must be a non-negative integer"})
			return
		}
		afterSeq = n
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.service.List(c.Request.Context(), c.Param("id"), callerFrom(c), afterSeq, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	var lastSeq int64
	if n := len(msgs); n > 0 {
		lastSeq = msgs[n-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "lastSeq": lastSeq})
}

// SendMessage handles POST /trades/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("attachmentRef", req.AttachmentRef, MaxAttachmentRef),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	m, err := h.service.Send(c.Request.Context(), c.Param("id"), callerFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant", "message": err.Error()})
	case errors.Is(err, ErrTradeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "wrong_state", "message": err.Error()})
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		h.logger.Error("message request failed", "tradeId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
