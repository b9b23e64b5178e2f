package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for dispute records.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes", h.ListOpen)
}

// RegisterAdminRoutes sets up operator routes. Relaying a resolution
// only records what the chain already settled.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/relay", h.RelayResolution)
}

type relayRequest struct {
	Outcome     string `json:"outcome" binding:"required"` // "release" or "refund"
	TxHash      string `json:"transactionHash" binding:"required"`
	BlockNumber uint64 `json:"blockNumber" binding:"required"`
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load dispute"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOpen handles GET /v1/disputes?limit=N
func (h *Handler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list disputes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// RelayResolution handles POST /admin/disputes/:id/relay
func (h *Handler) RelayResolution(c *gin.Context) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.RelayResolution(c.Request.Context(), c.Param("id"),
		Outcome(req.Outcome), req.TxHash, req.BlockNumber)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Dispute already resolved"})
		case errors.Is(err, ErrUnknownOutcome):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "Outcome must be release or refund"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "relay_failed", "message": "Failed to relay resolution"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
