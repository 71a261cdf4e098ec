package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the audit trail over HTTP.
type Handler struct {
	sink Sink
}

// NewHandler creates an audit handler.
func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink}
}

// RegisterRoutes mounts the read-only audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/traces/:traceId", h.GetTrace)
	r.GET("/audit/verify", h.Verify)
	r.GET("/audit/stats", h.Stats)
}

// GetTrace handles GET /v1/audit/traces/:traceId
func (h *Handler) GetTrace(c *gin.Context) {
	traceID := c.Param("traceId")
	records, err := h.sink.ByTrace(c.Request.Context(), traceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load audit trail",
		})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No audit records for trace",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id": traceID,
		"records":  records,
		"count":    len(records),
	})
}

// Verify handles GET /v1/audit/verify
func (h *Handler) Verify(c *gin.Context) {
	rep, err := Verify(c.Request.Context(), h.sink)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to verify audit trail",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": rep, "consistent": rep.Consistent()})
}

// Stats handles GET /v1/audit/stats
func (h *Handler) Stats(c *gin.Context) {
	st, err := ComputeStats(c.Request.Context(), h.sink)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}
