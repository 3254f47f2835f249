package rating

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
)

// Handler provides HTTP endpoints for ratings.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new rating handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up rating routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/rating", h.RateTrade)
	r.GET("/trades/:id/ratings", h.ListRatings)
}

// RateTrade handles POST /trades/:id/rating
func (h *Handler) RateTrade(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	r, err := h.service.Rate(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rating": r})
}

// ListRatings handles GET /trades/:id/ratings
func (h *Handler) ListRatings(c *gin.Context) {
	ratings, err := h.service.ForTrade(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ratings": ratings})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant", "message": err.Error()})
	case errors.Is(err, ErrNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_completed", "message": err.Error()})
	case errors.Is(err, ErrAlreadyRated):
		c.JSON(http.StatusConflict, gin.H{"error": "already_rated", "message": err.Error()})
	case errors.Is(err, ErrInvalidScore), errors.Is(err, ErrCommentTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		h.logger.Error("rating request failed", "tradeId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
