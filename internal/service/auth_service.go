package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/edutrack-api/internal/models"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

// CredentialService hashes passwords and issues or decodes tokens.
type CredentialService interface {
	HashPassword(plain string) (string, error)
	VerifyPassword(plain, hash string) bool
	IssueAccessToken(subject string, role models.UserRole, ttl time.Duration) (string, time.Time, error)
	IssueRefreshToken() (string, error)
	DecodeToken(token string) (*models.JWTClaims, error)
}

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error
}

// AuthConfig defines token lifetimes for authentication flows.
type AuthConfig struct {
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

var errRefreshTokenSpent = appErrors.Clone(appErrors.ErrUnauthorized, "refresh token is expired or revoked")

// AuthService provides login, token rotation and request authentication.
type AuthService struct {
	repo        authUserRepository
	credentials CredentialService
	audit       *AuditService
	validator   *validator.Validate
	logger      *zap.Logger
	config      AuthConfig
	now         func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, credentials CredentialService, audit *AuditService, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{repo: repo, credentials: credentials, audit: audit, validator: validate, logger: logger, config: config, now: time.Now}
}

// Login authenticates a user by email and password and returns a token pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest, meta models.RequestMeta) (*models.TokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, normaliseEmail(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	if !s.credentials.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, appErrors.ErrInvalidCredentials
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}

	tokens, err := s.issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    user.ID,
		Action:     models.AuditActionLogin,
		Resource:   auditResourceSession,
		ResourceID: user.ID,
		New:        map[string]string{"status": "success"},
		Meta:       meta,
	})
	return tokens, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new pair is issued.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest, meta models.RequestMeta) (*models.TokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.repo.FindRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}
	if !stored.Usable(s.now().UTC()) {
		return nil, errRefreshTokenSpent
	}

	user, err := s.repo.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUnauthorized
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}

	// Only the caller whose revoke flips the row may issue; a concurrent replay loses here.
	if err := s.repo.RevokeRefreshToken(ctx, stored.ID, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRefreshTokenSpent
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	tokens, err := s.issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    user.ID,
		Action:     models.AuditActionTokenRefresh,
		Resource:   auditResourceSession,
		ResourceID: user.ID,
		Meta:       meta,
	})
	return tokens, nil
}

// Logout revokes a refresh token owned by the caller.
func (s *AuthService) Logout(ctx context.Context, actor *models.Identity, req models.RefreshTokenRequest, meta models.RequestMeta) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid logout payload")
	}

	stored, err := s.repo.FindRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "refresh token not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	if stored.UserID != actor.UserID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}

	if !stored.Revoked {
		if err := s.repo.RevokeRefreshToken(ctx, stored.ID, s.now().UTC()); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
		}
	}

	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.UserID,
		Action:     models.AuditActionLogout,
		Resource:   auditResourceSession,
		ResourceID: actor.UserID,
		Meta:       meta,
	})
	return nil
}

// Authenticate resolves an access token into the stored user. It does not check the active
// flag; callers decide how to report deactivated accounts.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := s.credentials.DecodeToken(token)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, appErrors.ErrUnauthorized.Message)
	}

	user, err := s.repo.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUnauthorized
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

func (s *AuthService) issue(ctx context.Context, user *models.User, meta models.RequestMeta) (*models.TokenResponse, error) {
	issuedAt := s.now().UTC()
	accessToken, _, err := s.credentials.IssueAccessToken(user.ID, user.Role, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := s.credentials.IssueRefreshToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	refresh := &models.RefreshToken{
		UserID:    user.ID,
		Token:     refreshValue,
		ExpiresAt: issuedAt.Add(s.config.RefreshTokenExpiry),
		CreatedAt: issuedAt,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := s.repo.CreateRefreshToken(ctx, refresh); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refresh.Token,
		TokenType:    models.TokenTypeBearer,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     issuedAt,
	}, nil
}
