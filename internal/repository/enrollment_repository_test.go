package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutrack-api/internal/models"
)

var enrollmentColumnNames = []string{"id", "user_id", "course_id", "is_active", "completed", "created_at"}

func TestEnrollmentRepositoryCountActiveByCourse(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND is_active = TRUE")).
		WithArgs("course-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountActiveByCourse(context.Background(), nil, "course-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByUserAndCourse(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE user_id = $1 AND course_id = $2")).
		WithArgs("user-1", "course-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumnNames).AddRow("enr-1", "user-1", "course-1", false, true, time.Now()))

	enrollment, err := repo.FindByUserAndCourse(context.Background(), nil, "user-1", "course-1")
	require.NoError(t, err)
	assert.Equal(t, "enr-1", enrollment.ID)
	assert.False(t, enrollment.Active)
	assert.True(t, enrollment.Completed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByIDForUserScopesOwner(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 AND user_id = $2")).
		WithArgs("enr-1", "intruder").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByIDForUser(context.Background(), nil, "enr-1", "intruder")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryWritesInsideTransaction(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO enrollments").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET is_active = FALSE WHERE id = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET is_active = TRUE, completed = FALSE WHERE id = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{UserID: "user-1", CourseID: "course-1", Active: true}
	err := NewTxManager(db).WithinTx(context.Background(), func(q DBTX) error {
		if err := repo.Create(context.Background(), q, enrollment); err != nil {
			return err
		}
		if err := repo.Deactivate(context.Background(), q, enrollment.ID); err != nil {
			return err
		}
		return repo.Reactivate(context.Background(), q, enrollment.ID)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDeactivateMissing(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("UPDATE enrollments SET is_active = FALSE").WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Deactivate(context.Background(), nil, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListPaginated(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2")).
		WithArgs(5, 10).
		WillReturnRows(sqlmock.NewRows(enrollmentColumnNames).AddRow("enr-1", "user-1", "course-1", true, false, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	enrollments, total, err := repo.List(context.Background(), models.PageRequest{Skip: 10, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)
	assert.Equal(t, 11, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryRoster(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now()
	mock.ExpectQuery("JOIN users u ON u.id = e.user_id").
		WithArgs("course-1").
		WillReturnRows(sqlmock.NewRows([]string{"enrollment_id", "user_id", "name", "email", "completed", "created_at"}).
			AddRow("enr-1", "user-1", "Ada", "ada@example.com", false, now))

	roster, err := repo.Roster(context.Background(), "course-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "Ada", roster[0].Name)
	assert.Equal(t, now, roster[0].EnrolledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
