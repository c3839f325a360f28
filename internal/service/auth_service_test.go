package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/edutrack-api/internal/models"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
	"github.com/noah-isme/edutrack-api/pkg/security"
)

type userRepoMock struct {
	users         map[string]*models.User
	refreshTokens map[string]*models.RefreshToken
	seq           int
	findErr       error
	createErr     error
}

func newUserRepoMock() *userRepoMock {
	return &userRepoMock{users: map[string]*models.User{}, refreshTokens: map[string]*models.RefreshToken{}}
}

func (m *userRepoMock) FindByEmail(_ context.Context, email string) (*models.User, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *userRepoMock) FindByID(_ context.Context, id string) (*models.User, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (m *userRepoMock) List(_ context.Context, page models.PageRequest) ([]models.User, int, error) {
	var out []models.User
	for i := 1; i <= m.seq; i++ {
		if u, ok := m.users[fmt.Sprintf("user-%d", i)]; ok {
			out = append(out, *u)
		}
	}
	total := len(out)
	if page.Skip >= total {
		return []models.User{}, total, nil
	}
	end := page.Skip + page.Limit
	if end > total {
		end = total
	}
	return out[page.Skip:end], total, nil
}

func (m *userRepoMock) Create(_ context.Context, user *models.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	user.ID = fmt.Sprintf("user-%d", m.seq)
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *userRepoMock) Update(_ context.Context, user *models.User) error {
	if _, ok := m.users[user.ID]; !ok {
		return sql.ErrNoRows
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *userRepoMock) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	token.ID = fmt.Sprintf("rt-%d", len(m.refreshTokens)+1)
	m.refreshTokens[token.Token] = token
	return nil
}

func (m *userRepoMock) FindRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	rt, ok := m.refreshTokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return rt, nil
}

func (m *userRepoMock) RevokeRefreshToken(_ context.Context, id string, revokedAt time.Time) error {
	for _, token := range m.refreshTokens {
		if token.ID == id {
			if token.Revoked {
				return sql.ErrNoRows
			}
			token.Revoked = true
			token.RevokedAt = &revokedAt
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *userRepoMock) RevokeUserRefreshTokens(_ context.Context, userID string, revokedAt time.Time) error {
	for _, token := range m.refreshTokens {
		if token.UserID == userID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *userRepoMock) seed(t *testing.T, name, email, password string, role models.UserRole, active bool) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{Name: name, Email: email, PasswordHash: string(hash), Role: role, Active: active}
	require.NoError(t, m.Create(context.Background(), user))
	return user
}

func newTestCredentials(t *testing.T) *security.Credentials {
	t.Helper()
	creds, err := security.NewCredentials(security.Config{Secret: "test-secret", Issuer: "edutrack", AccessTTL: time.Minute, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	return creds
}

func newAuthService(t *testing.T, repo *userRepoMock) (*AuthService, *auditRepoMock) {
	t.Helper()
	audit := &auditRepoMock{}
	svc := NewAuthService(repo, newTestCredentials(t), NewAuditService(audit, nil, nil), nil, nil, AuthConfig{
		AccessTokenExpiry:  time.Minute,
		RefreshTokenExpiry: time.Hour,
	})
	return svc, audit
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	repo := newUserRepoMock()
	user := repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	svc, audit := newAuthService(t, repo)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "ADA@example.com", Password: "password1"}, models.RequestMeta{IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "bearer", res.TokenType)
	assert.Equal(t, int64(60), res.ExpiresIn)
	assert.Contains(t, repo.refreshTokens, res.RefreshToken)
	assert.Equal(t, "127.0.0.1", repo.refreshTokens[res.RefreshToken].IPAddress)
	assert.Equal(t, []string{models.AuditActionLogin}, audit.actions())

	authenticated, err := svc.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, authenticated.ID)
}

func TestAuthServiceLoginFailures(t *testing.T) {
	repo := newUserRepoMock()
	repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	repo.seed(t, "Bob", "bob@example.com", "password1", models.RoleStudent, false)
	svc, audit := newAuthService(t, repo)
	ctx := context.Background()

	_, err := svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "wrong"}, models.RequestMeta{})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))

	_, err = svc.Login(ctx, models.LoginRequest{Email: "nobody@example.com", Password: "password1"}, models.RequestMeta{})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))

	_, err = svc.Login(ctx, models.LoginRequest{Email: "bob@example.com", Password: "password1"}, models.RequestMeta{})
	assert.True(t, errors.Is(err, appErrors.ErrInactiveAccount))

	_, err = svc.Login(ctx, models.LoginRequest{Email: "not-an-email", Password: "x"}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrValidation, "")

	repo.findErr = errors.New("db down")
	_, err = svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "password1"}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrInternal, "")

	assert.Empty(t, audit.actions())
}

func TestAuthServiceRefreshRotatesToken(t *testing.T) {
	repo := newUserRepoMock()
	repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	svc, audit := newAuthService(t, repo)
	ctx := context.Background()

	first, err := svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "password1"}, models.RequestMeta{})
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: first.RefreshToken}, models.RequestMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.True(t, repo.refreshTokens[first.RefreshToken].Revoked)

	_, err = svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: first.RefreshToken}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrUnauthorized, "refresh token is expired or revoked")

	_, err = svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: "unknown"}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrUnauthorized, "refresh token not found")

	assert.Equal(t, []string{models.AuditActionLogin, models.AuditActionTokenRefresh}, audit.actions())
}

// staleTokenRepo hands out the refresh token as it was before any rotation, the view a second
// request racing the first one would have read.
type staleTokenRepo struct {
	*userRepoMock
	snapshot models.RefreshToken
}

func (r *staleTokenRepo) FindRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	if token != r.snapshot.Token {
		return nil, sql.ErrNoRows
	}
	clone := r.snapshot
	return &clone, nil
}

func TestAuthServiceRefreshTokenCannotBeReplayedConcurrently(t *testing.T) {
	repo := newUserRepoMock()
	repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	svc, _ := newAuthService(t, repo)
	ctx := context.Background()

	res, err := svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "password1"}, models.RequestMeta{})
	require.NoError(t, err)
	stale := &staleTokenRepo{userRepoMock: repo, snapshot: *repo.refreshTokens[res.RefreshToken]}
	racing := NewAuthService(stale, newTestCredentials(t), nil, nil, nil, AuthConfig{
		AccessTokenExpiry:  time.Minute,
		RefreshTokenExpiry: time.Hour,
	})

	_, err = svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	require.NoError(t, err)
	require.Len(t, repo.refreshTokens, 2)

	_, err = racing.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrUnauthorized, "refresh token is expired or revoked")
	assert.Len(t, repo.refreshTokens, 2)

	err = racing.Logout(ctx, &models.Identity{UserID: stale.snapshot.UserID, Role: models.RoleStudent, Active: true}, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assert.NoError(t, err)
}

func TestAuthServiceRefreshRejectsExpiredAndInactive(t *testing.T) {
	repo := newUserRepoMock()
	user := repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	svc, _ := newAuthService(t, repo)
	ctx := context.Background()

	res, err := svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "password1"}, models.RequestMeta{})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrUnauthorized, "refresh token is expired or revoked")

	svc.now = time.Now
	repo.users[user.ID].Active = false
	_, err = svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assert.True(t, errors.Is(err, appErrors.ErrInactiveAccount))
	assert.False(t, repo.refreshTokens[res.RefreshToken].Revoked)
}

func TestAuthServiceLogout(t *testing.T) {
	repo := newUserRepoMock()
	ada := repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	bob := repo.seed(t, "Bob", "bob@example.com", "password1", models.RoleStudent, true)
	svc, audit := newAuthService(t, repo)
	ctx := context.Background()

	res, err := svc.Login(ctx, models.LoginRequest{Email: "ada@example.com", Password: "password1"}, models.RequestMeta{})
	require.NoError(t, err)

	err = svc.Logout(ctx, bob.Identity(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrForbidden, "token does not belong to user")

	err = svc.Logout(ctx, ada.Identity(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, repo.refreshTokens[res.RefreshToken].Revoked)

	err = svc.Logout(ctx, ada.Identity(), models.RefreshTokenRequest{RefreshToken: "missing"}, models.RequestMeta{})
	assertAppError(t, err, appErrors.ErrNotFound, "refresh token not found")

	err = svc.Logout(ctx, nil, models.RefreshTokenRequest{RefreshToken: res.RefreshToken}, models.RequestMeta{})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	assert.Equal(t, []string{models.AuditActionLogin, models.AuditActionLogout}, audit.actions())
}

func TestAuthServiceAuthenticateRejectsBadTokens(t *testing.T) {
	repo := newUserRepoMock()
	svc, _ := newAuthService(t, repo)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "garbage")
	assertAppError(t, err, appErrors.ErrUnauthorized, "")

	token, _, err := newTestCredentials(t).IssueAccessToken("ghost", models.RoleAdmin, time.Minute)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, token)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	other, err := security.NewCredentials(security.Config{Secret: "other-secret", Issuer: "edutrack", AccessTTL: time.Minute, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	user := repo.seed(t, "Ada", "ada@example.com", "password1", models.RoleStudent, true)
	forged, _, err := other.IssueAccessToken(user.ID, models.RoleAdmin, time.Minute)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, forged)
	assertAppError(t, err, appErrors.ErrUnauthorized, "")
}
