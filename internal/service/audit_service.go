package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/edutrack-api/internal/models"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

const (
	auditResourceUser       = "user"
	auditResourceCourse     = "course"
	auditResourceEnrollment = "enrollment"
	auditResourceSession    = "session"

	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

type auditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

// AuditEntry describes one audited change.
type AuditEntry struct {
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	Old        interface{}
	New        interface{}
	Meta       models.RequestMeta
}

// AuditService writes and reads the audit trail. Writes are best effort.
type AuditService struct {
	repo   auditRepository
	guard  *Guard
	logger *zap.Logger
}

// NewAuditService constructs an AuditService.
func NewAuditService(repo auditRepository, guard *Guard, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &AuditService{repo: repo, guard: guard, logger: logger}
}

// Record stores entry and logs a warning when it cannot.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	if s == nil || s.repo == nil {
		return
	}
	log := &models.AuditLog{
		Action:    entry.Action,
		Resource:  entry.Resource,
		IPAddress: entry.Meta.IP,
		UserAgent: entry.Meta.UserAgent,
	}
	if entry.ActorID != "" {
		actor := entry.ActorID
		log.UserID = &actor
	}
	if entry.ResourceID != "" {
		resourceID := entry.ResourceID
		log.ResourceID = &resourceID
	}
	log.OldValues = s.marshal(entry.Old)
	log.NewValues = s.marshal(entry.New)

	if err := s.repo.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record audit log",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
	}
}

func (s *AuditService) marshal(v interface{}) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode audit payload", zap.Error(err))
		return nil
	}
	return raw
}

// List returns the latest audit entries for a resource. Admin only.
func (s *AuditService) List(ctx context.Context, actor *models.Identity, resource, resourceID string, limit int) ([]models.AuditLog, error) {
	if err := s.guard.Authorize(actor, ActionAuditRead, ""); err != nil {
		return nil, err
	}
	switch resource {
	case auditResourceUser, auditResourceCourse, auditResourceEnrollment, auditResourceSession:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown audit resource")
	}
	if resourceID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "resource_id is required")
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	logs, err := s.repo.ListByResource(ctx, resource, resourceID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit logs")
	}
	return logs, nil
}
