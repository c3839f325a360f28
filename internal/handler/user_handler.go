package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/service"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

type userService interface {
	Register(ctx context.Context, req service.RegisterUserRequest, meta models.RequestMeta) (*models.User, error)
	Me(ctx context.Context, actor *models.Identity) (*models.User, error)
	UpdateMe(ctx context.Context, actor *models.Identity, req service.UpdateProfileRequest, meta models.RequestMeta) (*models.User, error)
	List(ctx context.Context, actor *models.Identity, page models.PageRequest) ([]models.User, *models.Pagination, error)
	Get(ctx context.Context, actor *models.Identity, id string) (*models.User, error)
	Update(ctx context.Context, actor *models.Identity, id string, req service.UpdateUserRequest, meta models.RequestMeta) (*models.User, error)
	SetStatus(ctx context.Context, actor *models.Identity, id string, req service.UserStatusRequest, meta models.RequestMeta) (*models.User, error)
}

// UserHandler handles registration, profile and user management endpoints.
type UserHandler struct {
	service userService
	paging  Paging
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc userService, paging Paging) *UserHandler {
	return &UserHandler{service: svc, paging: paging}
}

// Register godoc
// @Summary Register user
// @Description Create an account; role defaults to student
// @Tags Users
// @Accept json
// @Produce json
// @Param payload body service.RegisterUserRequest true "User payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users [post]
func (h *UserHandler) Register(c *gin.Context) {
	var req service.RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid user payload"))
		return
	}

	user, err := h.service.Register(c.Request.Context(), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// Me godoc
// @Summary Get current user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/me [get]
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.service.Me(c.Request.Context(), identityFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// UpdateMe godoc
// @Summary Update current user
// @Description Change own name and optionally email
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.UpdateProfileRequest true "Profile payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users/me [patch]
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req service.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid profile payload"))
		return
	}

	user, err := h.service.UpdateMe(c.Request.Context(), identityFromContext(c), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// List godoc
// @Summary List users
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param skip query int false "Rows to skip"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /users [get]
func (h *UserHandler) List(c *gin.Context) {
	page, err := h.paging.fromQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	users, pagination, err := h.service.List(c.Request.Context(), identityFromContext(c), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, users, pagination)
}

// Get godoc
// @Summary Get user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /users/{id} [get]
func (h *UserHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	user, err := h.service.Get(c.Request.Context(), identityFromContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// Update godoc
// @Summary Update user
// @Description Replace name, email and role
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body service.UpdateUserRequest true "User payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users/{id} [patch]
func (h *UserHandler) Update(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid user payload"))
		return
	}

	user, err := h.service.Update(c.Request.Context(), identityFromContext(c), id, req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// SetStatus godoc
// @Summary Activate or deactivate user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body service.UserStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users/{id}/status [patch]
func (h *UserHandler) SetStatus(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.UserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid status payload"))
		return
	}

	user, err := h.service.SetStatus(c.Request.Context(), identityFromContext(c), id, req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}
