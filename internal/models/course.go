package models

import "time"

// Course is a catalog entry students can enroll in up to Capacity at a time.
type Course struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Code      string    `db:"code" json:"code"`
	Capacity  int       `db:"capacity" json:"capacity"`
	Active    bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
