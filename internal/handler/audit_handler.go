package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

type auditService interface {
	List(ctx context.Context, actor *models.Identity, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

// AuditHandler exposes the audit trail to admins.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(svc auditService) *AuditHandler {
	return &AuditHandler{service: svc}
}

// List godoc
// @Summary List audit entries
// @Description Newest audit entries for one resource
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param resource query string true "user, course, enrollment or session"
// @Param resource_id query string true "Resource ID"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /audit-logs [get]
func (h *AuditHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, bindError(err, "limit must be an integer"))
			return
		}
		limit = v
	}

	logs, err := h.service.List(c.Request.Context(), identityFromContext(c), c.Query("resource"), c.Query("resource_id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}
