package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeBearer is the token_type returned alongside issued tokens.
const TokenTypeBearer = "bearer"

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// TokenResponse returns the issued tokens.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RequestMeta carries caller details recorded in the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// JWTClaims represents the JWT payload for access tokens. Subject holds the user id.
type JWTClaims struct {
	Role UserRole `json:"role"`
	jwt.RegisteredClaims
}
