package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/repository"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

type userRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, page models.PageRequest) ([]models.User, int, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) error
}

type passwordHasher interface {
	HashPassword(plain string) (string, error)
}

// RegisterUserRequest is the public sign-up payload.
type RegisterUserRequest struct {
	Name     string          `json:"name" validate:"required,max=100"`
	Email    string          `json:"email" validate:"required,email"`
	Password string          `json:"password" validate:"required,min=8,max=72"`
	Role     models.UserRole `json:"role" validate:"omitempty,oneof=student admin"`
}

// UpdateProfileRequest lets a user change their own name and, optionally, email.
type UpdateProfileRequest struct {
	Name  string  `json:"name" validate:"required,max=100"`
	Email *string `json:"email" validate:"omitempty,email"`
}

// UpdateUserRequest is the admin edit payload.
type UpdateUserRequest struct {
	Name  string          `json:"name" validate:"required,max=100"`
	Email string          `json:"email" validate:"required,email"`
	Role  models.UserRole `json:"role" validate:"required,oneof=student admin"`
}

// UserStatusRequest toggles an account.
type UserStatusRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

var (
	errEmailTaken     = appErrors.Clone(appErrors.ErrConflict, "email already registered")
	errUserSameStatus = appErrors.Clone(appErrors.ErrConflict, "user already in requested state")
	errOwnStatus      = appErrors.Clone(appErrors.ErrInvalidState, "cannot change own status")
)

// UserService handles registration, profiles and admin user management.
type UserService struct {
	repo      userRepository
	hasher    passwordHasher
	guard     *Guard
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, hasher passwordHasher, guard *Guard, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &UserService{repo: repo, hasher: hasher, guard: guard, audit: audit, validator: validate, logger: logger, now: time.Now}
}

// Register creates an active account. Role defaults to student.
func (s *UserService) Register(ctx context.Context, req RegisterUserRequest, meta models.RequestMeta) (*models.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normaliseEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}
	if req.Role == "" {
		req.Role = models.RoleStudent
	}
	if err := s.ensureEmailAvailable(ctx, req.Email, ""); err != nil {
		return nil, err
	}

	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{Name: req.Name, Email: req.Email, PasswordHash: hash, Role: req.Role, Active: true}
	if err := s.repo.Create(ctx, user); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, errEmailTaken
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    user.ID,
		Action:     models.AuditActionUserCreate,
		Resource:   auditResourceUser,
		ResourceID: user.ID,
		New:        user,
		Meta:       meta,
	})
	return user, nil
}

// Me returns the caller's own account.
func (s *UserService) Me(ctx context.Context, actor *models.Identity) (*models.User, error) {
	if err := s.guard.Authorize(actor, ActionProfileRead, ""); err != nil {
		return nil, err
	}
	return s.load(ctx, actor.UserID)
}

// UpdateMe changes the caller's name and, when given, email.
func (s *UserService) UpdateMe(ctx context.Context, actor *models.Identity, req UpdateProfileRequest, meta models.RequestMeta) (*models.User, error) {
	if err := s.guard.Authorize(actor, ActionProfileUpdate, ""); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Email != nil {
		email := normaliseEmail(*req.Email)
		req.Email = &email
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid profile payload")
	}

	user, err := s.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	email := user.Email
	if req.Email != nil {
		email = *req.Email
	}
	return s.save(ctx, actor, user, req.Name, email, user.Role, meta)
}

// List returns a window over all users. Admin only.
func (s *UserService) List(ctx context.Context, actor *models.Identity, page models.PageRequest) ([]models.User, *models.Pagination, error) {
	if err := s.guard.Authorize(actor, ActionUserList, ""); err != nil {
		return nil, nil, err
	}
	page = page.Normalize(0, 0)
	users, total, err := s.repo.List(ctx, page)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, models.PaginationFor(page, total), nil
}

// Get returns a user by id to the user themselves or an admin.
func (s *UserService) Get(ctx context.Context, actor *models.Identity, id string) (*models.User, error) {
	if err := s.guard.Authorize(actor, ActionUserRead, id); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// Update replaces name, email and role of a user. Admin only.
func (s *UserService) Update(ctx context.Context, actor *models.Identity, id string, req UpdateUserRequest, meta models.RequestMeta) (*models.User, error) {
	if err := s.guard.Authorize(actor, ActionUserUpdate, ""); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normaliseEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, actor, user, req.Name, req.Email, req.Role, meta)
}

// SetStatus activates or deactivates an account. Deactivation revokes the user's refresh tokens.
func (s *UserService) SetStatus(ctx context.Context, actor *models.Identity, id string, req UserStatusRequest, meta models.RequestMeta) (*models.User, error) {
	if err := s.guard.Authorize(actor, ActionUserSetStatus, ""); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	if id == actor.UserID {
		return nil, errOwnStatus
	}

	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	active := *req.IsActive
	if user.Active == active {
		return nil, errUserSameStatus
	}

	user.Active = active
	if err := s.repo.Update(ctx, user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user status")
	}
	if !active {
		if err := s.repo.RevokeUserRefreshTokens(ctx, user.ID, s.now().UTC()); err != nil {
			s.logger.Warn("failed to revoke refresh tokens", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionUserStatus,
		Resource:   auditResourceUser,
		ResourceID: user.ID,
		Old:        map[string]bool{"is_active": !active},
		New:        map[string]bool{"is_active": active},
		Meta:       meta,
	})
	return user, nil
}

func (s *UserService) save(ctx context.Context, actor *models.Identity, user *models.User, name, email string, role models.UserRole, meta models.RequestMeta) (*models.User, error) {
	if email != user.Email {
		if err := s.ensureEmailAvailable(ctx, email, user.ID); err != nil {
			return nil, err
		}
	}

	before := *user
	user.Name = name
	user.Email = email
	user.Role = role
	if err := s.repo.Update(ctx, user); err != nil {
		switch {
		case repository.IsUniqueViolation(err):
			return nil, errEmailTaken
		case errors.Is(err, sql.ErrNoRows):
			return nil, errUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionUserUpdate,
		Resource:   auditResourceUser,
		ResourceID: user.ID,
		Old:        before,
		New:        user,
		Meta:       meta,
	})
	return user, nil
}

func (s *UserService) load(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

func (s *UserService) ensureEmailAvailable(ctx context.Context, email, selfID string) error {
	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}
	if existing.ID != selfID {
		return errEmailTaken
	}
	return nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
