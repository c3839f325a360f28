package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/repository"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

// Cached course entries are keyed on a generation counter that every course write advances, so a
// read that loaded its row before the write can only fill a key no later read will look up.
const (
	courseCacheGenerationKey = "courses:generation"
	courseCacheListPattern   = "courses:public:*"
	courseCacheListKey       = "courses:public:g%d:%d:%d"
	courseCacheIDPattern     = "courses:id:%s:*"
	courseCacheIDKey         = "courses:id:%s:g%d"
)

type courseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindActiveByID(ctx context.Context, id string) (*models.Course, error)
	ListActive(ctx context.Context, page models.PageRequest) ([]models.Course, int, error)
	ExistsByCode(ctx context.Context, code, excludeID string) (bool, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	SetActive(ctx context.Context, id string, active bool) error
}

// CourseRequest carries the mutable attributes of a course. Update replaces all of them.
type CourseRequest struct {
	Title    string `json:"title" validate:"required,max=100"`
	Code     string `json:"code" validate:"required,max=20"`
	Capacity int    `json:"capacity" validate:"gt=0"`
}

// CourseStatusRequest toggles a course.
type CourseStatusRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type coursePage struct {
	Items []models.Course `json:"items"`
	Total int             `json:"total"`
}

var (
	errCourseCodeTaken  = appErrors.Clone(appErrors.ErrConflict, "course code already exists")
	errCourseSameStatus = appErrors.Clone(appErrors.ErrConflict, "course already in requested state")
)

// CourseService is the course registry: admin-managed catalog entries plus the public reads
// anonymous callers are allowed to perform.
type CourseService struct {
	repo      courseRepository
	guard     *Guard
	cache     *CacheService
	cacheTTL  time.Duration
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCourseService constructs a CourseService.
func NewCourseService(repo courseRepository, guard *Guard, cache *CacheService, cacheTTL time.Duration, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &CourseService{repo: repo, guard: guard, cache: cache, cacheTTL: cacheTTL, audit: audit, validator: validate, logger: logger}
}

func normaliseCourseRequest(req *CourseRequest) {
	req.Title = strings.TrimSpace(req.Title)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
}

// Create registers a new active course.
func (s *CourseService) Create(ctx context.Context, actor *models.Identity, req CourseRequest, meta models.RequestMeta) (*models.Course, error) {
	if err := s.guard.Authorize(actor, ActionCourseCreate, ""); err != nil {
		return nil, err
	}
	normaliseCourseRequest(&req)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	if err := s.ensureCodeAvailable(ctx, req.Code, ""); err != nil {
		return nil, err
	}

	course := &models.Course{Title: req.Title, Code: req.Code, Capacity: req.Capacity, Active: true}
	if err := s.repo.Create(ctx, course); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, errCourseCodeTaken
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}

	s.invalidate(ctx, "")
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionCourseCreate,
		Resource:   auditResourceCourse,
		ResourceID: course.ID,
		New:        course,
		Meta:       meta,
	})
	return course, nil
}

// Update replaces the title, code and capacity of a course. Lowering capacity below the current
// active count is allowed; it only blocks further enrollments.
func (s *CourseService) Update(ctx context.Context, actor *models.Identity, id string, req CourseRequest, meta models.RequestMeta) (*models.Course, error) {
	if err := s.guard.Authorize(actor, ActionCourseUpdate, ""); err != nil {
		return nil, err
	}
	normaliseCourseRequest(&req)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	course, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if course.Code != req.Code {
		if err := s.ensureCodeAvailable(ctx, req.Code, course.ID); err != nil {
			return nil, err
		}
	}

	before := *course
	course.Title = req.Title
	course.Code = req.Code
	course.Capacity = req.Capacity
	if err := s.repo.Update(ctx, course); err != nil {
		switch {
		case repository.IsUniqueViolation(err):
			return nil, errCourseCodeTaken
		case errors.Is(err, sql.ErrNoRows):
			return nil, errCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}

	s.invalidate(ctx, course.ID)
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionCourseUpdate,
		Resource:   auditResourceCourse,
		ResourceID: course.ID,
		Old:        before,
		New:        course,
		Meta:       meta,
	})
	return course, nil
}

// SetStatus activates or deactivates a course. Requesting the current state is a Conflict.
func (s *CourseService) SetStatus(ctx context.Context, actor *models.Identity, id string, req CourseStatusRequest, meta models.RequestMeta) (*models.Course, error) {
	if err := s.guard.Authorize(actor, ActionCourseSetStatus, ""); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}

	course, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	active := *req.IsActive
	if course.Active == active {
		return nil, errCourseSameStatus
	}
	if err := s.repo.SetActive(ctx, course.ID, active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course status")
	}
	course.Active = active

	s.invalidate(ctx, course.ID)
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionCourseStatus,
		Resource:   auditResourceCourse,
		ResourceID: course.ID,
		Old:        map[string]bool{"is_active": !active},
		New:        map[string]bool{"is_active": active},
		Meta:       meta,
	})
	s.logger.Info("course status changed", zap.String("course_id", course.ID), zap.Bool("is_active", active))
	return course, nil
}

// GetByID returns a course regardless of status.
func (s *CourseService) GetByID(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// GetActiveByID returns an active course. Inactive and missing courses are both NotFound.
// The second result reports whether the answer came from cache.
func (s *CourseService) GetActiveByID(ctx context.Context, id string) (*models.Course, bool, error) {
	gen, cacheable := s.cache.Generation(ctx, courseCacheGenerationKey)
	key := fmt.Sprintf(courseCacheIDKey, id, gen)
	var cached models.Course
	if cacheable && s.cache.Get(ctx, key, &cached) {
		return &cached, true, nil
	}

	course, err := s.repo.FindActiveByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, errCourseNotFound
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if cacheable {
		s.cache.Set(ctx, key, course, s.cacheTTL)
	}
	return course, false, nil
}

// Get serves the course detail route: admins see any course, everyone else only active ones.
func (s *CourseService) Get(ctx context.Context, actor *models.Identity, id string) (*models.Course, bool, error) {
	if actor.IsAdmin() && s.guard.Authenticate(actor) == nil {
		course, err := s.GetByID(ctx, id)
		return course, false, err
	}
	return s.GetActiveByID(ctx, id)
}

// ListActive returns a window over active courses ordered by code.
func (s *CourseService) ListActive(ctx context.Context, page models.PageRequest) ([]models.Course, *models.Pagination, bool, error) {
	page = page.Normalize(0, 0)
	gen, cacheable := s.cache.Generation(ctx, courseCacheGenerationKey)
	key := fmt.Sprintf(courseCacheListKey, gen, page.Skip, page.Limit)

	var cached coursePage
	if cacheable && s.cache.Get(ctx, key, &cached) {
		return cached.Items, models.PaginationFor(page, cached.Total), true, nil
	}

	courses, total, err := s.repo.ListActive(ctx, page)
	if err != nil {
		return nil, nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	if cacheable {
		s.cache.Set(ctx, key, coursePage{Items: courses, Total: total}, s.cacheTTL)
	}
	return courses, models.PaginationFor(page, total), false, nil
}

func (s *CourseService) ensureCodeAvailable(ctx context.Context, code, excludeID string) error {
	exists, err := s.repo.ExistsByCode(ctx, code, excludeID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course code")
	}
	if exists {
		return errCourseCodeTaken
	}
	return nil
}

func (s *CourseService) invalidate(ctx context.Context, id string) {
	s.cache.Advance(ctx, courseCacheGenerationKey)
	patterns := []string{courseCacheListPattern}
	if id != "" {
		patterns = append(patterns, fmt.Sprintf(courseCacheIDPattern, id))
	}
	s.cache.Invalidate(ctx, nil, patterns...)
}
