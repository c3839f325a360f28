package models

import "time"

// Enrollment links one user to one course. A (user, course) pair owns at most one row; leaving
// a course flips Active off and re-enrolling flips it back on.
type Enrollment struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	CourseID  string    `db:"course_id" json:"course_id"`
	Active    bool      `db:"is_active" json:"is_active"`
	Completed bool      `db:"completed" json:"completed"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RosterEntry is an active enrollment joined with the enrolled student.
type RosterEntry struct {
	EnrollmentID string    `db:"enrollment_id" json:"enrollment_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	Completed    bool      `db:"completed" json:"completed"`
	EnrolledAt   time.Time `db:"created_at" json:"enrolled_at"`
}
