package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/repository"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

// memDB is an in-memory stand-in for the relational store. memTx serialises transactions the
// way the course row lock does and restores a snapshot when the callback fails.
type memDB struct {
	mu          sync.Mutex
	users       map[string]models.User
	courses     map[string]models.Course
	enrollments map[string]models.Enrollment
	seq         int
	createErr   error
	deactivated []string
}

func newMemDB() *memDB {
	return &memDB{
		users:       map[string]models.User{},
		courses:     map[string]models.Course{},
		enrollments: map[string]models.Enrollment{},
	}
}

func (db *memDB) addUser(id string, role models.UserRole) {
	db.users[id] = models.User{ID: id, Name: id, Email: id + "@example.com", Role: role, Active: true}
}

func (db *memDB) addCourse(id string, capacity int, active bool) {
	db.courses[id] = models.Course{ID: id, Title: id, Code: id, Capacity: capacity, Active: active}
}

func (db *memDB) activeCount(courseID string) int {
	count := 0
	for _, e := range db.enrollments {
		if e.CourseID == courseID && e.Active {
			count++
		}
	}
	return count
}

type memTx struct {
	db *memDB
	mu sync.Mutex
}

func (t *memTx) WithinTx(_ context.Context, fn func(q repository.DBTX) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string]models.Enrollment, len(t.db.enrollments))
	for k, v := range t.db.enrollments {
		snapshot[k] = v
	}
	if err := fn(nil); err != nil {
		t.db.enrollments = snapshot
		return err
	}
	return nil
}

type memEnrollments struct{ db *memDB }

func (m memEnrollments) CountActiveByCourse(_ context.Context, _ repository.DBTX, courseID string) (int, error) {
	return m.db.activeCount(courseID), nil
}

func (m memEnrollments) FindByUserAndCourse(_ context.Context, _ repository.DBTX, userID, courseID string) (*models.Enrollment, error) {
	for _, e := range m.db.enrollments {
		if e.UserID == userID && e.CourseID == courseID {
			found := e
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memEnrollments) FindByID(_ context.Context, _ repository.DBTX, id string) (*models.Enrollment, error) {
	e, ok := m.db.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (m memEnrollments) FindByIDForUser(ctx context.Context, q repository.DBTX, id, userID string) (*models.Enrollment, error) {
	e, err := m.FindByID(ctx, q, id)
	if err != nil || e.UserID != userID {
		return nil, sql.ErrNoRows
	}
	return e, nil
}

func (m memEnrollments) Create(_ context.Context, _ repository.DBTX, enrollment *models.Enrollment) error {
	if m.db.createErr != nil {
		return m.db.createErr
	}
	for _, e := range m.db.enrollments {
		if e.UserID == enrollment.UserID && e.CourseID == enrollment.CourseID {
			return fmt.Errorf("create enrollment: %w", &pq.Error{Code: "23505"})
		}
	}
	m.db.seq++
	enrollment.ID = fmt.Sprintf("enr-%d", m.db.seq)
	enrollment.CreatedAt = time.Now().UTC()
	m.db.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (m memEnrollments) Reactivate(_ context.Context, _ repository.DBTX, id string) error {
	e, ok := m.db.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	e.Active = true
	e.Completed = false
	m.db.enrollments[id] = e
	return nil
}

func (m memEnrollments) Deactivate(_ context.Context, _ repository.DBTX, id string) error {
	e, ok := m.db.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	e.Active = false
	m.db.enrollments[id] = e
	m.db.deactivated = append(m.db.deactivated, id)
	return nil
}

func (m memEnrollments) filter(keep func(models.Enrollment) bool) []models.Enrollment {
	out := make([]models.Enrollment, 0)
	for _, e := range m.db.enrollments {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memEnrollments) ListByUser(_ context.Context, userID string) ([]models.Enrollment, error) {
	return m.filter(func(e models.Enrollment) bool { return e.UserID == userID }), nil
}

func (m memEnrollments) ListByCourse(_ context.Context, courseID string) ([]models.Enrollment, error) {
	return m.filter(func(e models.Enrollment) bool { return e.CourseID == courseID }), nil
}

func (m memEnrollments) List(_ context.Context, page models.PageRequest) ([]models.Enrollment, int, error) {
	all := m.filter(func(models.Enrollment) bool { return true })
	end := page.Skip + page.Limit
	if page.Skip > len(all) {
		return []models.Enrollment{}, len(all), nil
	}
	if end > len(all) {
		end = len(all)
	}
	return all[page.Skip:end], len(all), nil
}

type memCourses struct{ db *memDB }

func (m memCourses) FindByID(_ context.Context, id string) (*models.Course, error) {
	c, ok := m.db.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (m memCourses) FindForUpdate(ctx context.Context, _ repository.DBTX, id string) (*models.Course, error) {
	return m.FindByID(ctx, id)
}

type memUsers struct{ db *memDB }

func (m memUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	u, ok := m.db.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

type engineFixture struct {
	db    *memDB
	svc   *EnrollmentService
	audit *auditRepoMock
}

func newEngine(t *testing.T) engineFixture {
	t.Helper()
	db := newMemDB()
	audit := &auditRepoMock{}
	svc := NewEnrollmentService(&memTx{db: db}, memEnrollments{db}, memCourses{db}, memUsers{db}, NewGuard(), NewAuditService(audit, nil, nil), NewMetricsService(), nil, nil)
	return engineFixture{db: db, svc: svc, audit: audit}
}

func assertAppError(t *testing.T, err error, template *appErrors.Error, message string) {
	t.Helper()
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, template.Code, appErr.Code)
	assert.Equal(t, template.Status, appErr.Status)
	if message != "" {
		assert.Equal(t, message, appErr.Message)
	}
}

func TestEnrollCreatesActiveEnrollment(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 2, true)

	enrollment, err := f.svc.Enroll(context.Background(), "s1", "c1")
	require.NoError(t, err)
	assert.True(t, enrollment.Active)
	assert.False(t, enrollment.Completed)
	assert.Equal(t, 1, f.db.activeCount("c1"))
}

func TestEnrollCourseMissing(t *testing.T) {
	f := newEngine(t)
	_, err := f.svc.Enroll(context.Background(), "s1", "missing")
	assertAppError(t, err, appErrors.ErrNotFound, "course not found")
}

func TestEnrollCapacityScenario(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 1, true)

	_, err := f.svc.Enroll(context.Background(), "student-a", "c1")
	require.NoError(t, err)

	_, err = f.svc.Enroll(context.Background(), "student-b", "c1")
	assertAppError(t, err, appErrors.ErrInvalidState, "course is full")
	assert.Len(t, f.db.enrollments, 1)
}

func TestEnrollInactiveWinsOverFull(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 1, true)
	_, err := f.svc.Enroll(context.Background(), "student-a", "c1")
	require.NoError(t, err)

	c := f.db.courses["c1"]
	c.Active = false
	f.db.courses["c1"] = c

	_, err = f.svc.Enroll(context.Background(), "student-b", "c1")
	assertAppError(t, err, appErrors.ErrInvalidState, "course is inactive")
}

func TestEnrollFullWinsOverAlreadyEnrolled(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 1, true)
	_, err := f.svc.Enroll(context.Background(), "student-a", "c1")
	require.NoError(t, err)

	_, err = f.svc.Enroll(context.Background(), "student-a", "c1")
	assertAppError(t, err, appErrors.ErrInvalidState, "course is full")
}

func TestEnrollAlreadyEnrolledConflict(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	_, err := f.svc.Enroll(context.Background(), "s1", "c1")
	require.NoError(t, err)

	_, err = f.svc.Enroll(context.Background(), "s1", "c1")
	assertAppError(t, err, appErrors.ErrConflict, "user already enrolled in this course")
	assert.Len(t, f.db.enrollments, 1)
}

func TestEnrollUniqueViolationBecomesConflict(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	f.db.createErr = fmt.Errorf("create enrollment: %w", &pq.Error{Code: "23505"})

	_, err := f.svc.Enroll(context.Background(), "s1", "c1")
	assertAppError(t, err, appErrors.ErrConflict, "user already enrolled in this course")
}

func TestEnrollStoreFailureIsInternal(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	f.db.createErr = errors.New("connection reset")

	_, err := f.svc.Enroll(context.Background(), "s1", "c1")
	assertAppError(t, err, appErrors.ErrInternal, "")
	assert.Empty(t, f.db.enrollments)
}

func TestEnrollDeregisterReenrollKeepsID(t *testing.T) {
	f := newEngine(t)
	f.db.addUser("s1", models.RoleStudent)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()

	first, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)

	stored := f.db.enrollments[first.ID]
	stored.Completed = true
	f.db.enrollments[first.ID] = stored

	require.NoError(t, f.svc.Deregister(ctx, studentIdentity("s1"), first.ID, models.RequestMeta{}))
	assert.False(t, f.db.enrollments[first.ID].Active)
	assert.Equal(t, 0, f.db.activeCount("c1"))

	again, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Active)
	assert.False(t, again.Completed)
	assert.False(t, f.db.enrollments[first.ID].Completed)
	assert.Len(t, f.db.enrollments, 1)
}

func TestReactivationRespectsCapacity(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 1, true)
	ctx := context.Background()

	first, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Deregister(ctx, studentIdentity("s1"), first.ID, models.RequestMeta{}))
	_, err = f.svc.Enroll(ctx, "s2", "c1")
	require.NoError(t, err)

	_, err = f.svc.Enroll(ctx, "s1", "c1")
	assertAppError(t, err, appErrors.ErrInvalidState, "course is full")
	assert.False(t, f.db.enrollments[first.ID].Active)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()

	enrollment, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Deregister(ctx, studentIdentity("s1"), enrollment.ID, models.RequestMeta{}))
	before := f.db.enrollments[enrollment.ID]
	require.NoError(t, f.svc.Deregister(ctx, studentIdentity("s1"), enrollment.ID, models.RequestMeta{}))
	assert.Equal(t, before, f.db.enrollments[enrollment.ID])
	assert.Len(t, f.db.deactivated, 2)
}

func TestDeregisterScopesStudentsToOwnRows(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()

	enrollment, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)

	err = f.svc.Deregister(ctx, studentIdentity("s2"), enrollment.ID, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrNotFound, "enrollment not found")
	assert.True(t, f.db.enrollments[enrollment.ID].Active)

	require.NoError(t, f.svc.Deregister(ctx, adminIdentity("a1"), enrollment.ID, models.RequestMeta{}))
	assert.False(t, f.db.enrollments[enrollment.ID].Active)
}

func TestDeregisterMissing(t *testing.T) {
	f := newEngine(t)
	err := f.svc.Deregister(context.Background(), adminIdentity("a1"), "missing", models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrNotFound, "enrollment not found")
}

func TestDeregisterRequiresActiveIdentity(t *testing.T) {
	f := newEngine(t)
	err := f.svc.Deregister(context.Background(), nil, "enr-1", models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrUnauthorized, "")
}

func TestConcurrentEnrollNeverExceedsCapacity(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 3, true)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Enroll(context.Background(), fmt.Sprintf("s%d", i), "c1"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 3, f.db.activeCount("c1"))
}

func TestConcurrentEnrollSamePairCreatesOneRow(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 10, true)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Enroll(context.Background(), "s1", "c1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	conflicts := 0
	for err := range errs {
		if err != nil {
			assertAppError(t, err, appErrors.ErrConflict, "")
			conflicts++
		}
	}
	assert.Equal(t, 4, conflicts)
	assert.Len(t, f.db.enrollments, 1)
}

func TestIsFull(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 1, true)
	ctx := context.Background()

	assert.True(t, f.svc.IsFull(ctx, "missing"))
	assert.False(t, f.svc.IsFull(ctx, "c1"))
	_, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, f.svc.IsFull(ctx, "c1"))

	_, err = f.svc.Enroll(ctx, "s2", "c1")
	assertAppError(t, err, appErrors.ErrInvalidState, "course is full")
}

func TestEnrollSelfRoleRules(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("11111111-1111-1111-1111-111111111111", 5, true)
	ctx := context.Background()
	req := EnrollRequest{CourseID: "11111111-1111-1111-1111-111111111111"}

	_, err := f.svc.EnrollSelf(ctx, adminIdentity("a1"), req, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrForbidden, "")

	_, err = f.svc.EnrollSelf(ctx, studentIdentity("s1"), EnrollRequest{CourseID: "not-a-uuid"}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrValidation, "")

	enrollment, err := f.svc.EnrollSelf(ctx, studentIdentity("s1"), req, models.RequestMeta{IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", enrollment.UserID)
	assert.Equal(t, []string{models.AuditActionEnrollmentCreate}, f.audit.actions())
}

func TestEnrollAuditsReactivation(t *testing.T) {
	f := newEngine(t)
	courseID := "11111111-1111-1111-1111-111111111111"
	f.db.addCourse(courseID, 5, true)
	ctx := context.Background()
	student := studentIdentity("s1")

	enrollment, err := f.svc.EnrollSelf(ctx, student, EnrollRequest{CourseID: courseID}, models.RequestMeta{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Deregister(ctx, student, enrollment.ID, models.RequestMeta{}))
	_, err = f.svc.EnrollSelf(ctx, student, EnrollRequest{CourseID: courseID}, models.RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		models.AuditActionEnrollmentCreate,
		models.AuditActionEnrollmentDrop,
		models.AuditActionEnrollmentReactive,
	}, f.audit.actions())
}

func TestAdminEnrollRequiresStudentTarget(t *testing.T) {
	f := newEngine(t)
	studentID := "22222222-2222-2222-2222-222222222222"
	adminID := "33333333-3333-3333-3333-333333333333"
	courseID := "11111111-1111-1111-1111-111111111111"
	f.db.addUser(studentID, models.RoleStudent)
	f.db.addUser(adminID, models.RoleAdmin)
	f.db.addCourse(courseID, 5, true)
	ctx := context.Background()

	_, err := f.svc.AdminEnroll(ctx, studentIdentity(studentID), AdminEnrollRequest{UserID: studentID, CourseID: courseID}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrForbidden, "")

	_, err = f.svc.AdminEnroll(ctx, adminIdentity("a1"), AdminEnrollRequest{UserID: "44444444-4444-4444-4444-444444444444", CourseID: courseID}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrNotFound, "user not found")

	_, err = f.svc.AdminEnroll(ctx, adminIdentity("a1"), AdminEnrollRequest{UserID: adminID, CourseID: courseID}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrInvalidState, "only students have enrollments")

	enrollment, err := f.svc.AdminEnroll(ctx, adminIdentity("a1"), AdminEnrollRequest{UserID: studentID, CourseID: courseID}, models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, studentID, enrollment.UserID)
}

func TestGetEnrollmentOwnership(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()
	enrollment, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, studentIdentity("s1"), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, got.ID)

	_, err = f.svc.Get(ctx, studentIdentity("s2"), enrollment.ID)
	assertAppError(t, err, appErrors.ErrForbidden, "")

	_, err = f.svc.Get(ctx, adminIdentity("a1"), enrollment.ID)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, adminIdentity("a1"), "missing")
	assertAppError(t, err, appErrors.ErrNotFound, "enrollment not found")
}

func TestListForUserRejectsAdminTarget(t *testing.T) {
	f := newEngine(t)
	f.db.addUser("admin-2", models.RoleAdmin)
	f.db.addUser("s1", models.RoleStudent)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()
	_, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)

	_, err = f.svc.ListForUser(ctx, adminIdentity("a1"), "admin-2")
	assertAppError(t, err, appErrors.ErrInvalidState, "only students have enrollments")

	_, err = f.svc.ListForUser(ctx, adminIdentity("a1"), "ghost")
	assertAppError(t, err, appErrors.ErrNotFound, "user not found")

	_, err = f.svc.ListForUser(ctx, studentIdentity("s1"), "s1")
	assertAppError(t, err, appErrors.ErrForbidden, "")

	enrollments, err := f.svc.ListForUser(ctx, adminIdentity("a1"), "s1")
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)
}

func TestListMineIsStudentOnly(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	f.db.addCourse("c2", 5, true)
	ctx := context.Background()
	_, err := f.svc.Enroll(ctx, "s1", "c1")
	require.NoError(t, err)
	_, err = f.svc.Enroll(ctx, "s1", "c2")
	require.NoError(t, err)
	_, err = f.svc.Enroll(ctx, "s2", "c2")
	require.NoError(t, err)

	mine, err := f.svc.ListMine(ctx, studentIdentity("s1"))
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = f.svc.ListMine(ctx, adminIdentity("a1"))
	assertAppError(t, err, appErrors.ErrForbidden, "")
}

func TestListForCourseAndAll(t *testing.T) {
	f := newEngine(t)
	f.db.addCourse("c1", 5, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Enroll(ctx, fmt.Sprintf("s%d", i), "c1")
		require.NoError(t, err)
	}

	byCourse, err := f.svc.ListForCourse(ctx, adminIdentity("a1"), "c1")
	require.NoError(t, err)
	assert.Len(t, byCourse, 3)

	_, err = f.svc.ListForCourse(ctx, adminIdentity("a1"), "missing")
	assertAppError(t, err, appErrors.ErrNotFound, "course not found")

	page, pagination, err := f.svc.ListAll(ctx, adminIdentity("a1"), models.PageRequest{Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, &models.Pagination{Skip: 1, Limit: 1, TotalCount: 3}, pagination)

	_, _, err = f.svc.ListAll(ctx, studentIdentity("s0"), models.PageRequest{})
	assertAppError(t, err, appErrors.ErrForbidden, "")
}
