package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/repository"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

type txRunner interface {
	WithinTx(ctx context.Context, fn func(q repository.DBTX) error) error
}

type enrollmentRepository interface {
	CountActiveByCourse(ctx context.Context, q repository.DBTX, courseID string) (int, error)
	FindByUserAndCourse(ctx context.Context, q repository.DBTX, userID, courseID string) (*models.Enrollment, error)
	FindByID(ctx context.Context, q repository.DBTX, id string) (*models.Enrollment, error)
	FindByIDForUser(ctx context.Context, q repository.DBTX, id, userID string) (*models.Enrollment, error)
	Create(ctx context.Context, q repository.DBTX, enrollment *models.Enrollment) error
	Reactivate(ctx context.Context, q repository.DBTX, id string) error
	Deactivate(ctx context.Context, q repository.DBTX, id string) error
	ListByUser(ctx context.Context, userID string) ([]models.Enrollment, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error)
	List(ctx context.Context, page models.PageRequest) ([]models.Enrollment, int, error)
}

type enrollmentCourseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindForUpdate(ctx context.Context, q repository.DBTX, id string) (*models.Course, error)
}

type enrollmentUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// EnrollRequest is the payload a student sends to join a course.
type EnrollRequest struct {
	CourseID string `json:"course_id" validate:"required,uuid"`
}

// AdminEnrollRequest is the payload an admin sends to enroll a student.
type AdminEnrollRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	CourseID string `json:"course_id" validate:"required,uuid"`
}

var (
	errCourseNotFound     = appErrors.Clone(appErrors.ErrNotFound, "course not found")
	errCourseInactive     = appErrors.Clone(appErrors.ErrInvalidState, "course is inactive")
	errCourseFull         = appErrors.Clone(appErrors.ErrInvalidState, "course is full")
	errAlreadyEnrolled    = appErrors.Clone(appErrors.ErrConflict, "user already enrolled in this course")
	errEnrollmentNotFound = appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	errUserNotFound       = appErrors.Clone(appErrors.ErrNotFound, "user not found")
	errNotStudent         = appErrors.Clone(appErrors.ErrInvalidState, "only students have enrollments")
)

// EnrollmentService owns the enrollment lifecycle and the capacity invariant. Every mutation runs
// inside one transaction that holds the course row lock, so the active count it reads cannot
// change before the write commits.
type EnrollmentService struct {
	tx        txRunner
	repo      enrollmentRepository
	courses   enrollmentCourseReader
	users     enrollmentUserReader
	guard     *Guard
	audit     *AuditService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs the enrollment engine.
func NewEnrollmentService(tx txRunner, repo enrollmentRepository, courses enrollmentCourseReader, users enrollmentUserReader, guard *Guard, audit *AuditService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &EnrollmentService{
		tx:        tx,
		repo:      repo,
		courses:   courses,
		users:     users,
		guard:     guard,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
}

// Enroll places userID into courseID. Checks run in a fixed order: course existence, course
// active, spare capacity, then the existing (user, course) row. An inactive row is reactivated
// in place with its progress reset.
func (s *EnrollmentService) Enroll(ctx context.Context, userID, courseID string) (*models.Enrollment, error) {
	enrollment, _, err := s.enroll(ctx, userID, courseID)
	return enrollment, err
}

func (s *EnrollmentService) enroll(ctx context.Context, userID, courseID string) (*models.Enrollment, bool, error) {
	var (
		result      *models.Enrollment
		reactivated bool
	)
	start := time.Now()
	err := s.tx.WithinTx(ctx, func(q repository.DBTX) error {
		course, err := s.courses.FindForUpdate(ctx, q, courseID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errCourseNotFound
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		if !course.Active {
			return errCourseInactive
		}

		full, err := s.atCapacity(ctx, q, course)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
		}
		if full {
			return errCourseFull
		}

		existing, err := s.repo.FindByUserAndCourse(ctx, q, userID, courseID)
		switch {
		case err == nil && existing.Active:
			return errAlreadyEnrolled
		case err == nil:
			if err := s.repo.Reactivate(ctx, q, existing.ID); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reactivate enrollment")
			}
			existing.Active = true
			existing.Completed = false
			result = existing
			reactivated = true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}

		enrollment := &models.Enrollment{UserID: userID, CourseID: courseID, Active: true, Completed: false}
		if err := s.repo.Create(ctx, q, enrollment); err != nil {
			if repository.IsUniqueViolation(err) {
				return errAlreadyEnrolled
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
		}
		result = enrollment
		return nil
	})
	s.metrics.ObserveTransaction("enroll", time.Since(start))

	if err != nil {
		s.metrics.RecordEnrollment("enroll", enrollOutcome(err))
		return nil, false, err
	}
	if reactivated {
		s.metrics.RecordEnrollment("enroll", OutcomeReactivated)
	} else {
		s.metrics.RecordEnrollment("enroll", OutcomeCreated)
	}
	s.logger.Info("enrollment active",
		zap.String("enrollment_id", result.ID),
		zap.String("user_id", userID),
		zap.String("course_id", courseID),
		zap.Bool("reactivated", reactivated))
	return result, reactivated, nil
}

func enrollOutcome(err error) string {
	switch err {
	case errCourseInactive:
		return OutcomeInactive
	case errCourseFull:
		return OutcomeCourseFull
	case errAlreadyEnrolled:
		return OutcomeConflict
	case errCourseNotFound, errEnrollmentNotFound:
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// EnrollSelf enrolls the acting student.
func (s *EnrollmentService) EnrollSelf(ctx context.Context, actor *models.Identity, req EnrollRequest, meta models.RequestMeta) (*models.Enrollment, error) {
	if err := s.guard.Authorize(actor, ActionEnrollSelf, ""); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	return s.enrollAndAudit(ctx, actor, actor.UserID, req.CourseID, meta)
}

// AdminEnroll enrolls an existing student on behalf of an admin.
func (s *EnrollmentService) AdminEnroll(ctx context.Context, actor *models.Identity, req AdminEnrollRequest, meta models.RequestMeta) (*models.Enrollment, error) {
	if err := s.guard.Authorize(actor, ActionEnrollmentAdminCreate, ""); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if _, err := s.loadStudent(ctx, req.UserID); err != nil {
		return nil, err
	}
	return s.enrollAndAudit(ctx, actor, req.UserID, req.CourseID, meta)
}

func (s *EnrollmentService) enrollAndAudit(ctx context.Context, actor *models.Identity, userID, courseID string, meta models.RequestMeta) (*models.Enrollment, error) {
	enrollment, reactivated, err := s.enroll(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	action := models.AuditActionEnrollmentCreate
	if reactivated {
		action = models.AuditActionEnrollmentReactive
	}
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     action,
		Resource:   auditResourceEnrollment,
		ResourceID: enrollment.ID,
		New:        enrollment,
		Meta:       meta,
	})
	return enrollment, nil
}

// Deregister deactivates an enrollment. Students can only reach their own rows, so a foreign id
// is reported as not found. Deactivating an inactive row succeeds without checking prior state.
func (s *EnrollmentService) Deregister(ctx context.Context, actor *models.Identity, enrollmentID string, meta models.RequestMeta) error {
	if err := s.guard.Authorize(actor, ActionEnrollmentDeregister, ""); err != nil {
		return err
	}

	var target *models.Enrollment
	start := time.Now()
	err := s.tx.WithinTx(ctx, func(q repository.DBTX) error {
		var err error
		if actor.IsAdmin() {
			target, err = s.repo.FindByID(ctx, q, enrollmentID)
		} else {
			target, err = s.repo.FindByIDForUser(ctx, q, enrollmentID, actor.UserID)
		}
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errEnrollmentNotFound
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}
		if err := s.repo.Deactivate(ctx, q, target.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deregister enrollment")
		}
		return nil
	})
	s.metrics.ObserveTransaction("deregister", time.Since(start))
	if err != nil {
		s.metrics.RecordEnrollment("deregister", enrollOutcome(err))
		return err
	}
	s.metrics.RecordEnrollment("deregister", OutcomeDeregistered)

	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionEnrollmentDrop,
		Resource:   auditResourceEnrollment,
		ResourceID: target.ID,
		Old:        map[string]bool{"is_active": target.Active},
		New:        map[string]bool{"is_active": false},
		Meta:       meta,
	})
	s.logger.Info("enrollment deregistered", zap.String("enrollment_id", target.ID), zap.String("actor_id", actor.UserID))
	return nil
}

// IsFull reports whether courseID cannot take another enrollment. A missing course counts as full.
// It is a read-only check outside any transaction, so the answer may be stale by the time a caller
// acts on it; Enroll applies the same capacity rule under the course row lock.
func (s *EnrollmentService) IsFull(ctx context.Context, courseID string) bool {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		return true
	}
	full, err := s.atCapacity(ctx, nil, course)
	return err != nil || full
}

// atCapacity applies the capacity rule: a course is full once its active enrollments reach capacity.
func (s *EnrollmentService) atCapacity(ctx context.Context, q repository.DBTX, course *models.Course) (bool, error) {
	active, err := s.repo.CountActiveByCourse(ctx, q, course.ID)
	if err != nil {
		return false, err
	}
	return active >= course.Capacity, nil
}

// GetByID returns one enrollment or NotFound.
func (s *EnrollmentService) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

// GetByUser returns every enrollment of a user.
func (s *EnrollmentService) GetByUser(ctx context.Context, userID string) ([]models.Enrollment, error) {
	enrollments, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}

// GetByCourse returns every enrollment of a course.
func (s *EnrollmentService) GetByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	enrollments, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}

// GetAll returns a window over all enrollments.
func (s *EnrollmentService) GetAll(ctx context.Context, page models.PageRequest) ([]models.Enrollment, *models.Pagination, error) {
	page = page.Normalize(0, 0)
	enrollments, total, err := s.repo.List(ctx, page)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, models.PaginationFor(page, total), nil
}

// Get returns an enrollment to its owner or an admin.
func (s *EnrollmentService) Get(ctx context.Context, actor *models.Identity, id string) (*models.Enrollment, error) {
	if err := s.guard.Authenticate(actor); err != nil {
		return nil, err
	}
	enrollment, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, ActionEnrollmentRead, enrollment.UserID); err != nil {
		return nil, err
	}
	return enrollment, nil
}

// ListMine returns the acting student's enrollments.
func (s *EnrollmentService) ListMine(ctx context.Context, actor *models.Identity) ([]models.Enrollment, error) {
	if err := s.guard.Authorize(actor, ActionEnrollmentListOwn, ""); err != nil {
		return nil, err
	}
	return s.GetByUser(ctx, actor.UserID)
}

// ListForUser returns the enrollments of a student for an admin.
func (s *EnrollmentService) ListForUser(ctx context.Context, actor *models.Identity, userID string) ([]models.Enrollment, error) {
	if err := s.guard.Authorize(actor, ActionEnrollmentListByUser, ""); err != nil {
		return nil, err
	}
	if _, err := s.loadStudent(ctx, userID); err != nil {
		return nil, err
	}
	return s.GetByUser(ctx, userID)
}

// ListForCourse returns the enrollments of a course for an admin.
func (s *EnrollmentService) ListForCourse(ctx context.Context, actor *models.Identity, courseID string) ([]models.Enrollment, error) {
	if err := s.guard.Authorize(actor, ActionEnrollmentListByCourse, ""); err != nil {
		return nil, err
	}
	if _, err := loadCourse(ctx, s.courses, courseID); err != nil {
		return nil, err
	}
	return s.GetByCourse(ctx, courseID)
}

// ListAll returns a window over all enrollments for an admin.
func (s *EnrollmentService) ListAll(ctx context.Context, actor *models.Identity, page models.PageRequest) ([]models.Enrollment, *models.Pagination, error) {
	if err := s.guard.Authorize(actor, ActionEnrollmentListAll, ""); err != nil {
		return nil, nil, err
	}
	return s.GetAll(ctx, page)
}

func (s *EnrollmentService) loadStudent(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if user.Role != models.RoleStudent {
		return nil, errNotStudent
	}
	return user, nil
}
