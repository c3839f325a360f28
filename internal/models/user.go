package models

import "time"

// UserRole is the fixed account category. The set is closed: student or admin.
type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleAdmin   UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleAdmin:
		return true
	default:
		return false
	}
}

// User represents an application user stored in the users table.
type User struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"hashed_password" json:"-"`
	Role         UserRole  `db:"role" json:"role"`
	Active       bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Identity returns the acting identity derived from the stored user.
func (u *User) Identity() *Identity {
	if u == nil {
		return nil
	}
	return &Identity{UserID: u.ID, Role: u.Role, Active: u.Active}
}

// Identity is the authenticated actor a request executes as.
type Identity struct {
	UserID string
	Role   UserRole
	Active bool
}

// IsAdmin reports whether the identity holds the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Skip       int `json:"skip"`
	Limit      int `json:"limit"`
	TotalCount int `json:"total_count"`
}

// PageRequest is a skip/limit window over a listing.
type PageRequest struct {
	Skip  int
	Limit int
}

// Page window bounds applied when callers do not configure their own.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Normalize clamps the window: negative skip becomes zero, a missing limit takes defaultLimit
// and oversized limits are capped at maxLimit.
func (p PageRequest) Normalize(defaultLimit, maxLimit int) PageRequest {
	if maxLimit <= 0 {
		maxLimit = MaxPageLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = DefaultPageLimit
	}
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// PaginationFor builds response metadata for a served window.
func PaginationFor(page PageRequest, total int) *Pagination {
	return &Pagination{Skip: page.Skip, Limit: page.Limit, TotalCount: total}
}
