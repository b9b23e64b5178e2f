package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow mirrors. The surface is
// deliberately thin: creation attaches a mirror to an order, everything
// else is read-only. Status is never writable over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/orders/:id/escrows", h.ListByOrder)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount),
			errors.Is(err, ErrMissingOrderID),
			errors.Is(err, ErrMissingOnChainID),
			errors.Is(err, ErrInvalidContract):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		case errors.Is(err, ErrDuplicateEscrow):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_escrow",
				"message": "Order already has an escrow",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "escrow_failed",
				"message": "Failed to create escrow",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			// Fall back to the on-chain reference so operators can
			// look up either identifier.
			escrow, err = h.service.GetByEscrowID(c.Request.Context(), id)
		}
		if err != nil {
			if errors.Is(err, ErrEscrowNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "not_found",
					"message": "Escrow not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load escrow",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListByOrder handles GET /v1/orders/:id/escrows
func (h *Handler) ListByOrder(c *gin.Context) {
	orderID := c.Param("id")

	escrows, err := h.service.ListByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrows",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}
