package main

import (
	"testing"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/services"
	"partymesh/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIdentity_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Room.Code = "abcde"
	cfg.Room.Owner = true
	cfg.Identity.DisplayName = "Ana"

	id, err := resolveIdentity(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("ABCDE"), id.room)
	assert.Equal(t, domain.RoleOwner, id.role)
	assert.Equal(t, "Ana", id.profile.DisplayName)
}

func TestResolveIdentity_TokenWins(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	token, err := auth.GenerateJoinToken("FGHJK", domain.RoleStandard, domain.Profile{DisplayName: "Bea"})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Room.Owner = true
	cfg.Identity.DisplayName = "Someone"
	cfg.Identity.Email = "bea@example.com"
	cfg.Auth.JoinToken = token

	id, err := resolveIdentity(cfg, auth)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("FGHJK"), id.room)
	assert.Equal(t, domain.RoleStandard, id.role, "the token's role overrides -owner")
	assert.Equal(t, "Bea", id.profile.DisplayName)
	assert.Equal(t, "bea@example.com", id.profile.Email, "config fills gaps")
	assert.Equal(t, token, id.token)

	cfg.Room.Code = "ABCDE"
	_, err = resolveIdentity(cfg, auth)
	assert.ErrorIs(t, err, domain.ErrTokenRoomMismatch)
}

func TestResolveIdentity_OwnerNeedsTokenWithSecret(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)

	cfg := config.DefaultConfig()
	cfg.Room.Code = "ABCDE"
	cfg.Room.Owner = true
	cfg.Identity.DisplayName = "Ana"

	_, err := resolveIdentity(cfg, auth)
	assert.ErrorIs(t, err, errOwnerTokenRequired)

	token, err := auth.GenerateJoinToken("ABCDE", domain.RoleOwner, domain.Profile{DisplayName: "Ana"})
	require.NoError(t, err)
	cfg.Auth.JoinToken = token
	id, err := resolveIdentity(cfg, auth)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, id.role)

	cfg.Room.Owner = false
	cfg.Auth.JoinToken = ""
	id, err = resolveIdentity(cfg, auth)
	require.NoError(t, err, "standard peers may join without a token")
	assert.Equal(t, domain.RoleStandard, id.role)
}

func TestResolveIdentity_Errors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Identity.DisplayName = "Ana"
	_, err := resolveIdentity(cfg, nil)
	assert.Error(t, err, "room required")

	cfg.Room.Code = "ABCDE"
	cfg.Identity.DisplayName = ""
	_, err = resolveIdentity(cfg, nil)
	assert.Error(t, err, "display name required")
}

func TestSessionConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rendezvous.HeartbeatInterval = 5 * time.Second
	cfg.Mesh.MaxParticipants = 4
	cfg.Rendezvous.RegisterAttempts = 2

	id := identity{room: "ABCDE", role: domain.RoleOwner, profile: domain.Profile{DisplayName: "Ana"}}
	sc := sessionConfig(cfg, "ABCDE-a1", id)
	assert.Equal(t, domain.PeerID("ABCDE-a1"), sc.Self)
	assert.Equal(t, 5*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 4, sc.MaxParticipants)
	assert.Equal(t, 2, sc.Registration.MaxAttempts)
	assert.Equal(t, cfg.Rendezvous.FailureThreshold, sc.Breaker.FailureThreshold)
}
