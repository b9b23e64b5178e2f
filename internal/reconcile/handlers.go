package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes operator endpoints for triggering sweeps and running
// standalone consistency checks.
type Handler struct {
	reconciler *Reconciler
	validator  *Validator
}

// NewHandler creates a new reconcile handler.
func NewHandler(reconciler *Reconciler, validator *Validator) *Handler {
	return &Handler{reconciler: reconciler, validator: validator}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile/escrows/:escrowId", h.ReconcileEscrow)
	r.POST("/reconcile/escrows", h.ReconcileAll)
	r.POST("/reconcile/events", h.ReconcileEvents)
	r.GET("/orders/:id/consistency", h.ValidateConsistency)
}

// ReconcileEscrow handles POST /admin/reconcile/escrows/:escrowId
func (h *Handler) ReconcileEscrow(c *gin.Context) {
	res := h.reconciler.ReconcileEscrow(c.Request.Context(), c.Param("escrowId"))
	status := http.StatusOK
	if !res.Reconciled {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

// ReconcileAll handles POST /admin/reconcile/escrows
func (h *Handler) ReconcileAll(c *gin.Context) {
	sum, err := h.reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ReconcileEvents handles POST /admin/reconcile/events
func (h *Handler) ReconcileEvents(c *gin.Context) {
	sum, err := h.reconciler.ReconcileUnprocessedEvents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ValidateConsistency handles GET /admin/orders/:id/consistency
func (h *Handler) ValidateConsistency(c *gin.Context) {
	v, err := h.validator.ValidateConsistency(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, v)
}
