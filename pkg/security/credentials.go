// Package security issues and verifies the credentials used by the API: bcrypt password hashes,
// HS256 access tokens and opaque refresh tokens.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/edutrack-api/internal/models"
)

// ErrInvalidToken is returned for any token that fails parsing, signature or expiry checks.
var ErrInvalidToken = errors.New("invalid token")

const refreshTokenBytes = 32

// Config configures token issuance.
type Config struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	BcryptCost int
}

// Credentials is the credential service shared by authentication and user management.
type Credentials struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	cost      int
	now       func() time.Time
}

// NewCredentials validates cfg and builds a Credentials instance.
func NewCredentials(cfg Config) (*Credentials, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}
	return &Credentials{secret: []byte(cfg.Secret), issuer: cfg.Issuer, accessTTL: cfg.AccessTTL, cost: cost, now: time.Now}, nil
}

// AccessTTL returns the default lifetime of access tokens.
func (c *Credentials) AccessTTL() time.Duration {
	return c.accessTTL
}

// HashPassword returns the bcrypt hash of plain.
func (c *Credentials) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), c.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches hash.
func (c *Credentials) VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// IssueAccessToken signs an access token for subject. A non-positive ttl uses the configured default.
func (c *Credentials) IssueAccessToken(subject string, role models.UserRole, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = c.accessTTL
	}
	issuedAt := c.now().UTC()
	expiresAt := issuedAt.Add(ttl)
	claims := &models.JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefreshToken returns a random opaque refresh token.
func (c *Credentials) IssueRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeToken validates an access token and returns its claims.
func (c *Credentials) DecodeToken(token string) (*models.JWTClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &models.JWTClaims{}, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*models.JWTClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
