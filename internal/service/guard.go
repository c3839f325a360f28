package service

import (
	"fmt"

	"github.com/noah-isme/edutrack-api/internal/models"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

// Action names an operation gated by the Guard.
type Action string

const (
	ActionProfileRead   Action = "profile:read"
	ActionProfileUpdate Action = "profile:update"
	ActionUserList      Action = "user:list"
	ActionUserRead      Action = "user:read"
	ActionUserUpdate    Action = "user:update"
	ActionUserSetStatus Action = "user:set_status"

	ActionCourseCreate    Action = "course:create"
	ActionCourseUpdate    Action = "course:update"
	ActionCourseSetStatus Action = "course:set_status"
	ActionCourseRoster    Action = "course:roster"

	ActionEnrollSelf             Action = "enrollment:enroll_self"
	ActionEnrollmentListOwn      Action = "enrollment:list_own"
	ActionEnrollmentAdminCreate  Action = "enrollment:admin_create"
	ActionEnrollmentListByUser   Action = "enrollment:list_by_user"
	ActionEnrollmentListByCourse Action = "enrollment:list_by_course"
	ActionEnrollmentListAll      Action = "enrollment:list_all"
	ActionEnrollmentRead         Action = "enrollment:read"
	ActionEnrollmentDeregister   Action = "enrollment:deregister"

	ActionAuditRead Action = "audit:read"
)

type ruleKind int

const (
	ruleAuthenticated ruleKind = iota
	ruleAdminOnly
	ruleStudentOnly
	ruleSelfOrAdmin
)

var actionRules = map[Action]ruleKind{
	ActionProfileRead:   ruleAuthenticated,
	ActionProfileUpdate: ruleAuthenticated,
	ActionUserList:      ruleAdminOnly,
	ActionUserRead:      ruleSelfOrAdmin,
	ActionUserUpdate:    ruleAdminOnly,
	ActionUserSetStatus: ruleAdminOnly,

	ActionCourseCreate:    ruleAdminOnly,
	ActionCourseUpdate:    ruleAdminOnly,
	ActionCourseSetStatus: ruleAdminOnly,
	ActionCourseRoster:    ruleAdminOnly,

	ActionEnrollSelf:             ruleStudentOnly,
	ActionEnrollmentListOwn:      ruleStudentOnly,
	ActionEnrollmentAdminCreate:  ruleAdminOnly,
	ActionEnrollmentListByUser:   ruleAdminOnly,
	ActionEnrollmentListByCourse: ruleAdminOnly,
	ActionEnrollmentListAll:      ruleAdminOnly,
	ActionEnrollmentRead:         ruleSelfOrAdmin,
	// Ownership of deregistration is enforced by scoping the lookup, so a foreign row reads as missing.
	ActionEnrollmentDeregister: ruleAuthenticated,

	ActionAuditRead: ruleAdminOnly,
}

// Guard evaluates role and ownership rules for an acting identity. It holds no state.
type Guard struct{}

// NewGuard constructs a Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Authenticate rejects a missing identity with Unauthenticated and a deactivated one with Forbidden.
func (g *Guard) Authenticate(identity *models.Identity) error {
	if identity == nil || identity.UserID == "" {
		return appErrors.ErrUnauthorized
	}
	if !identity.Active {
		return appErrors.ErrInactiveAccount
	}
	return nil
}

// Authorize checks that identity may perform action. ownerID is the user owning the target
// resource and only matters for self-or-admin actions.
func (g *Guard) Authorize(identity *models.Identity, action Action, ownerID string) error {
	if err := g.Authenticate(identity); err != nil {
		return err
	}
	kind, ok := actionRules[action]
	if !ok {
		return appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("unknown action %s", action))
	}

	switch identity.Role {
	case models.RoleAdmin:
		switch kind {
		case ruleAuthenticated, ruleAdminOnly, ruleSelfOrAdmin:
			return nil
		case ruleStudentOnly:
			return appErrors.Clone(appErrors.ErrForbidden, "only students can perform this action")
		}
	case models.RoleStudent:
		switch kind {
		case ruleAuthenticated, ruleStudentOnly:
			return nil
		case ruleSelfOrAdmin:
			if ownerID != "" && ownerID == identity.UserID {
				return nil
			}
			return appErrors.Clone(appErrors.ErrForbidden, "not enough permissions")
		case ruleAdminOnly:
			return appErrors.Clone(appErrors.ErrForbidden, "admin role required")
		}
	}
	return appErrors.ErrForbidden
}
