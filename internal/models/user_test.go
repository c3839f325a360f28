package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserRoleValid(t *testing.T) {
	assert.True(t, RoleStudent.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, UserRole("staff").Valid())
	assert.False(t, UserRole("ADMIN").Valid())
}

func TestPageRequestNormalize(t *testing.T) {
	assert.Equal(t, PageRequest{Skip: 0, Limit: 10}, PageRequest{Skip: -5}.Normalize(0, 0))
	assert.Equal(t, PageRequest{Skip: 20, Limit: 100}, PageRequest{Skip: 20, Limit: 500}.Normalize(10, 100))
	assert.Equal(t, PageRequest{Skip: 0, Limit: 25}, PageRequest{}.Normalize(25, 100))
	assert.Equal(t, PageRequest{Skip: 0, Limit: 10}, PageRequest{}.Normalize(250, 100))
}

func TestIdentity(t *testing.T) {
	user := &User{ID: "u1", Role: RoleAdmin, Active: true}
	identity := user.Identity()
	assert.True(t, identity.IsAdmin())
	assert.Equal(t, "u1", identity.UserID)

	var nilUser *User
	assert.Nil(t, nilUser.Identity())
	var nilIdentity *Identity
	assert.False(t, nilIdentity.IsAdmin())
}

func TestRefreshTokenUsable(t *testing.T) {
	now := time.Now()
	assert.False(t, (*RefreshToken)(nil).Usable(now))
	assert.True(t, (&RefreshToken{ExpiresAt: now.Add(time.Hour)}).Usable(now))
	assert.False(t, (&RefreshToken{ExpiresAt: now.Add(-time.Second)}).Usable(now))
	assert.False(t, (&RefreshToken{ExpiresAt: now.Add(time.Hour), Revoked: true}).Usable(now))
}
