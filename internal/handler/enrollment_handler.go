package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/service"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

type enrollmentService interface {
	EnrollSelf(ctx context.Context, actor *models.Identity, req service.EnrollRequest, meta models.RequestMeta) (*models.Enrollment, error)
	AdminEnroll(ctx context.Context, actor *models.Identity, req service.AdminEnrollRequest, meta models.RequestMeta) (*models.Enrollment, error)
	Deregister(ctx context.Context, actor *models.Identity, enrollmentID string, meta models.RequestMeta) error
	Get(ctx context.Context, actor *models.Identity, id string) (*models.Enrollment, error)
	ListMine(ctx context.Context, actor *models.Identity) ([]models.Enrollment, error)
	ListForUser(ctx context.Context, actor *models.Identity, userID string) ([]models.Enrollment, error)
	ListForCourse(ctx context.Context, actor *models.Identity, courseID string) ([]models.Enrollment, error)
	ListAll(ctx context.Context, actor *models.Identity, page models.PageRequest) ([]models.Enrollment, *models.Pagination, error)
}

// EnrollmentHandler exposes the enrollment engine over HTTP.
type EnrollmentHandler struct {
	service enrollmentService
	paging  Paging
}

// NewEnrollmentHandler constructs an EnrollmentHandler.
func NewEnrollmentHandler(svc enrollmentService, paging Paging) *EnrollmentHandler {
	return &EnrollmentHandler{service: svc, paging: paging}
}

// Enroll godoc
// @Summary Enroll in a course
// @Description Enroll the calling student; a previously dropped enrollment is reactivated
// @Tags Enrollments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req service.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid enrollment payload"))
		return
	}

	enrollment, err := h.service.EnrollSelf(c.Request.Context(), identityFromContext(c), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// AdminEnroll godoc
// @Summary Enroll a student
// @Description Admin enrolls an existing student in a course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.AdminEnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/admin [post]
func (h *EnrollmentHandler) AdminEnroll(c *gin.Context) {
	var req service.AdminEnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid enrollment payload"))
		return
	}

	enrollment, err := h.service.AdminEnroll(c.Request.Context(), identityFromContext(c), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// ListMine godoc
// @Summary List own enrollments
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /enrollments/me [get]
func (h *EnrollmentHandler) ListMine(c *gin.Context) {
	enrollments, err := h.service.ListMine(c.Request.Context(), identityFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}

// ListForUser godoc
// @Summary List enrollments of a student
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/user/{user_id} [get]
func (h *EnrollmentHandler) ListForUser(c *gin.Context) {
	userID, err := pathUUID(c, "user_id")
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollments, err := h.service.ListForUser(c.Request.Context(), identityFromContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}

// ListForCourse godoc
// @Summary List enrollments of a course
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param course_id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/by-course/{course_id} [get]
func (h *EnrollmentHandler) ListForCourse(c *gin.Context) {
	courseID, err := pathUUID(c, "course_id")
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollments, err := h.service.ListForCourse(c.Request.Context(), identityFromContext(c), courseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}

// List godoc
// @Summary List all enrollments
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param skip query int false "Rows to skip"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	page, err := h.paging.fromQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollments, pagination, err := h.service.ListAll(c.Request.Context(), identityFromContext(c), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Description Owner or admin only
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollment, err := h.service.Get(c.Request.Context(), identityFromContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Deregister godoc
// @Summary Deregister from a course
// @Description Deactivates the enrollment; repeating the call is a no-op
// @Tags Enrollments
// @Security BearerAuth
// @Param id path string true "Enrollment ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [patch]
func (h *EnrollmentHandler) Deregister(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.service.Deregister(c.Request.Context(), identityFromContext(c), id, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
