package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/validation"
)

// Handler exposes the pipeline over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a pipeline handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the validation, approval and system routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/actions/validate", h.ValidateAction)
	r.POST("/inbound/validate", h.ValidateInbound)
	r.POST("/enforcement/map", h.MapEnforcement)
	r.POST("/approvals", h.IssueToken)
	r.POST("/approvals/validate", h.ValidateToken)
	r.POST("/actions/execute", h.Execute)
	r.GET("/system/state", h.SystemState)
	r.POST("/system/reset", h.ResetSystem)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

// bindContent decodes the body into obj. A content value of the wrong JSON
// type is returned as an invalid input error for the pipeline to judge; any
// other decode failure is answered with 400 and ok is false.
func bindContent(c *gin.Context, obj any) (ok bool, contentErr error) {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true, nil
	}
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) && ute.Field == "content" {
		return true, fmt.Errorf("%w: content must be a string, got %s", validation.ErrInvalidInput, ute.Value)
	}
	badRequest(c, err)
	return false, nil
}

// ValidateAction handles POST /v1/actions/validate
//
// A malformed body is rejected. Content problems are not: missing, empty or
// non-string content yields a hard_deny verdict with status 200, like any
// other decision.
func (h *Handler) ValidateAction(c *gin.Context) {
	var req ActionRequest
	ok, contentErr := bindContent(c, &req)
	if !ok {
		return
	}
	req.contentErr = contentErr
	c.JSON(http.StatusOK, h.service.ValidateAction(c.Request.Context(), req))
}

// ValidateInbound handles POST /v1/inbound/validate
func (h *Handler) ValidateInbound(c *gin.Context) {
	var req InboundRequest
	ok, contentErr := bindContent(c, &req)
	if !ok {
		return
	}
	req.contentErr = contentErr
	c.JSON(http.StatusOK, h.service.ValidateInbound(c.Request.Context(), req))
}

type mapRequest struct {
	Content string `json:"content"`
}

// MapEnforcement handles POST /v1/enforcement/map
func (h *Handler) MapEnforcement(c *gin.Context) {
	var req mapRequest
	if ok, _ := bindContent(c, &req); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": h.service.MapValidatorToEnforcement(c.Request.Context(), req.Content)})
}

type tokenRequest struct {
	ActionID string `json:"action_id" binding:"required"`
	TraceID  string `json:"trace_id"`
	Token    string `json:"approval_token"`
}

// IssueToken handles POST /v1/approvals
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tok, err := h.service.IssueApprovalToken(c.Request.Context(), req.ActionID, req.TraceID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{
			"action_id":      req.ActionID,
			"trace_id":       req.TraceID,
			"approval_token": tok,
		})
	case errors.Is(err, ErrInvalidRequest):
		badRequest(c, err)
	case errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No enforcement record for action under this trace",
		})
	case errors.Is(err, ErrNotApprovable), errors.Is(err, approval.ErrActionBlocked),
		errors.Is(err, approval.ErrAlreadyExecuted), errors.Is(err, approval.ErrTraceMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_approvable",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("issue approval token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue approval token",
		})
	}
}

// ValidateToken handles POST /v1/approvals/validate
func (h *Handler) ValidateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action_id": req.ActionID,
		"valid":     h.service.ValidateApprovalToken(req.Token, req.ActionID),
	})
}

// Execute handles POST /v1/actions/execute
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exec := h.service.Execute(c.Request.Context(), req)
	status := http.StatusOK
	switch exec.Status {
	case approval.StatusBlocked:
		status = http.StatusForbidden
	case approval.StatusPending:
		status = http.StatusAccepted
	case approval.StatusFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, exec)
}

// SystemState handles GET /v1/system/state
func (h *Handler) SystemState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.service.SystemState()})
}

// ResetSystem handles POST /v1/system/reset
func (h *Handler) ResetSystem(c *gin.Context) {
	h.service.ResetFailsafe()
	logging.L(c.Request.Context()).Warn("failsafe reset by operator")
	c.JSON(http.StatusOK, gin.H{"state": h.service.SystemState()})
}
