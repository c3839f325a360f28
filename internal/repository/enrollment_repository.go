package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/edutrack-api/internal/models"
)

const enrollmentColumns = `id, user_id, course_id, is_active, completed, created_at`

// EnrollmentRepository manages enrollment persistence. Methods taking a DBTX run on that
// transaction; a nil DBTX falls back to the pool.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs a new repository instance.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) conn(q DBTX) DBTX {
	if q == nil {
		return r.db
	}
	return q
}

// CountActiveByCourse counts the active enrollments of a course.
func (r *EnrollmentRepository) CountActiveByCourse(ctx context.Context, q DBTX, courseID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND is_active = TRUE`
	var count int
	if err := r.conn(q).GetContext(ctx, &count, query, courseID); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}

// FindByUserAndCourse returns the single enrollment row of a (user, course) pair.
func (r *EnrollmentRepository) FindByUserAndCourse(ctx context.Context, q DBTX, userID, courseID string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_id = $1 AND course_id = $2`
	return r.get(ctx, q, "find enrollment by user and course", query, userID, courseID)
}

// FindByID returns an enrollment by id.
func (r *EnrollmentRepository) FindByID(ctx context.Context, q DBTX, id string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	return r.get(ctx, q, "find enrollment", query, id)
}

// FindByIDForUser returns an enrollment by id only when it belongs to userID.
func (r *EnrollmentRepository) FindByIDForUser(ctx context.Context, q DBTX, id, userID string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 AND user_id = $2`
	return r.get(ctx, q, "find enrollment for user", query, id, userID)
}

func (r *EnrollmentRepository) get(ctx context.Context, q DBTX, op, query string, args ...interface{}) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := r.conn(q).GetContext(ctx, &enrollment, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &enrollment, nil
}

// Create inserts a new active enrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, q DBTX, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, user_id, course_id, is_active, completed, created_at) VALUES (:id, :user_id, :course_id, :is_active, :completed, :created_at)`
	if _, err := r.conn(q).NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// Reactivate turns an enrollment back on and resets its progress.
func (r *EnrollmentRepository) Reactivate(ctx context.Context, q DBTX, id string) error {
	const query = `UPDATE enrollments SET is_active = TRUE, completed = FALSE WHERE id = $1`
	res, err := r.conn(q).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reactivate enrollment: %w", err)
	}
	return affectedOne(res)
}

// Deactivate turns an enrollment off. Already inactive rows are rewritten unchanged.
func (r *EnrollmentRepository) Deactivate(ctx context.Context, q DBTX, id string) error {
	const query = `UPDATE enrollments SET is_active = FALSE WHERE id = $1`
	res, err := r.conn(q).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate enrollment: %w", err)
	}
	return affectedOne(res)
}

// ListByUser returns every enrollment of a user, active or not.
func (r *EnrollmentRepository) ListByUser(ctx context.Context, userID string) ([]models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, "list enrollments by user", query, userID)
}

// ListByCourse returns every enrollment of a course, active or not.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE course_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, "list enrollments by course", query, courseID)
}

func (r *EnrollmentRepository) list(ctx context.Context, op, query string, args ...interface{}) ([]models.Enrollment, error) {
	enrollments := make([]models.Enrollment, 0)
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return enrollments, nil
}

// List returns a window over all enrollments with the total count.
func (r *EnrollmentRepository) List(ctx context.Context, page models.PageRequest) ([]models.Enrollment, int, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`
	enrollments, err := r.list(ctx, "list enrollments", query, page.Limit, page.Skip)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM enrollments`); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// Roster returns the active enrollments of a course joined with the enrolled users.
func (r *EnrollmentRepository) Roster(ctx context.Context, courseID string) ([]models.RosterEntry, error) {
	const query = `SELECT e.id AS enrollment_id, e.user_id, u.name, u.email, e.completed, e.created_at
FROM enrollments e
JOIN users u ON u.id = e.user_id
WHERE e.course_id = $1 AND e.is_active = TRUE
ORDER BY u.name ASC, u.email ASC`
	entries := make([]models.RosterEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, courseID); err != nil {
		return nil, fmt.Errorf("load course roster: %w", err)
	}
	return entries, nil
}
