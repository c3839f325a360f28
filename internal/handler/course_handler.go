package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/middleware"
	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/service"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

type courseService interface {
	ListActive(ctx context.Context, page models.PageRequest) ([]models.Course, *models.Pagination, bool, error)
	Get(ctx context.Context, actor *models.Identity, id string) (*models.Course, bool, error)
	Create(ctx context.Context, actor *models.Identity, req service.CourseRequest, meta models.RequestMeta) (*models.Course, error)
	Update(ctx context.Context, actor *models.Identity, id string, req service.CourseRequest, meta models.RequestMeta) (*models.Course, error)
	SetStatus(ctx context.Context, actor *models.Identity, id string, req service.CourseStatusRequest, meta models.RequestMeta) (*models.Course, error)
}

type rosterExporter interface {
	Export(ctx context.Context, actor *models.Identity, courseID, format string) (*service.RosterFile, error)
}

// CourseHandler serves the course catalog and its admin management.
type CourseHandler struct {
	service courseService
	roster  rosterExporter
	paging  Paging
}

// NewCourseHandler constructs a CourseHandler.
func NewCourseHandler(svc courseService, roster rosterExporter, paging Paging) *CourseHandler {
	return &CourseHandler{service: svc, roster: roster, paging: paging}
}

// ListPublic godoc
// @Summary List active courses
// @Description Public catalog of active courses ordered by code
// @Tags Courses
// @Produce json
// @Param skip query int false "Rows to skip"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /courses/public [get]
func (h *CourseHandler) ListPublic(c *gin.Context) {
	page, err := h.paging.fromQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	courses, pagination, hit, err := h.service.ListActive(c.Request.Context(), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, courses, pagination, middleware.ExtractMeta(c))
}

// Get godoc
// @Summary Get course
// @Description Active courses are public; admins also see inactive ones
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	course, hit, err := h.service.Get(c.Request.Context(), identityFromContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, course, nil, middleware.ExtractMeta(c))
}

// Create godoc
// @Summary Create course
// @Tags Courses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CourseRequest true "Course payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /courses [post]
func (h *CourseHandler) Create(c *gin.Context) {
	var req service.CourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid course payload"))
		return
	}

	course, err := h.service.Create(c.Request.Context(), identityFromContext(c), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, course)
}

// Update godoc
// @Summary Update course
// @Description Replace title, code and capacity
// @Tags Courses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Param payload body service.CourseRequest true "Course payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /courses/{id} [put]
func (h *CourseHandler) Update(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.CourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid course payload"))
		return
	}

	course, err := h.service.Update(c.Request.Context(), identityFromContext(c), id, req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// SetStatus godoc
// @Summary Activate or deactivate course
// @Tags Courses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Param payload body service.CourseStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /courses/{id}/status [patch]
func (h *CourseHandler) SetStatus(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.CourseStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid status payload"))
		return
	}

	course, err := h.service.SetStatus(c.Request.Context(), identityFromContext(c), id, req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// Roster godoc
// @Summary Download course roster
// @Description Active enrollments with student name and email as CSV or PDF
// @Tags Courses
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Param format query string false "csv or pdf" Enums(csv, pdf)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/roster [get]
func (h *CourseHandler) Roster(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	file, err := h.roster.Export(c.Request.Context(), identityFromContext(c), id, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, file.Filename, file.ContentType, file.Body)
}
