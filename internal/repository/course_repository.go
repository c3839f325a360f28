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

const courseColumns = `id, title, code, capacity, is_active, created_at, updated_at`

// CourseRepository provides database access for the course catalog.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository creates a new instance of CourseRepository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a course regardless of its status.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT ` + courseColumns + ` FROM courses WHERE id = $1`
	return r.get(ctx, r.db, query, id)
}

// FindActiveByID returns a course only while it is active.
func (r *CourseRepository) FindActiveByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT ` + courseColumns + ` FROM courses WHERE id = $1 AND is_active = TRUE`
	return r.get(ctx, r.db, query, id)
}

// FindForUpdate loads a course and locks its row for the rest of the transaction q belongs to.
func (r *CourseRepository) FindForUpdate(ctx context.Context, q DBTX, id string) (*models.Course, error) {
	const query = `SELECT ` + courseColumns + ` FROM courses WHERE id = $1 FOR UPDATE`
	if q == nil {
		q = r.db
	}
	return r.get(ctx, q, query, id)
}

func (r *CourseRepository) get(ctx context.Context, q DBTX, query, id string) (*models.Course, error) {
	var course models.Course
	if err := q.GetContext(ctx, &course, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &course, nil
}

// ListActive returns a window of active courses ordered by code with the total active count.
func (r *CourseRepository) ListActive(ctx context.Context, page models.PageRequest) ([]models.Course, int, error) {
	const listQuery = `SELECT ` + courseColumns + ` FROM courses WHERE is_active = TRUE ORDER BY code ASC LIMIT $1 OFFSET $2`
	courses := make([]models.Course, 0)
	if err := r.db.SelectContext(ctx, &courses, listQuery, page.Limit, page.Skip); err != nil {
		return nil, 0, fmt.Errorf("list active courses: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM courses WHERE is_active = TRUE`); err != nil {
		return nil, 0, fmt.Errorf("count active courses: %w", err)
	}
	return courses, total, nil
}

// ExistsByCode reports whether another course already uses code. excludeID skips the course being updated.
func (r *CourseRepository) ExistsByCode(ctx context.Context, code, excludeID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM courses WHERE code = $1 AND id <> $2)`
	var exists bool
	if excludeID == "" {
		excludeID = uuid.Nil.String()
	}
	if err := r.db.GetContext(ctx, &exists, query, code, excludeID); err != nil {
		return false, fmt.Errorf("check course code: %w", err)
	}
	return exists, nil
}

// Create inserts a new course.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	course.CreatedAt = now
	course.UpdatedAt = now

	const query = `INSERT INTO courses (id, title, code, capacity, is_active, created_at, updated_at) VALUES (:id, :title, :code, :capacity, :is_active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update replaces the title, code and capacity of a course.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET title = :title, code = :code, capacity = :capacity, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, course)
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return affectedOne(res)
}

// SetActive flips the active flag of a course.
func (r *CourseRepository) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE courses SET is_active = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set course status: %w", err)
	}
	return affectedOne(res)
}
