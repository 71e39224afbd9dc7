package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISCOUNT_CEILING_MEMBER", "12.5")
	t.Setenv("DIVERGENCE_TOLERANCE", "0.01")
	t.Setenv("LOCK_TTL_SECONDS", "30")
	t.Setenv("AUTO_MIGRATE", "false")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "12.5", cfg.DiscountCeilingMember.String())
	assert.Equal(t, "0.01", cfg.DivergenceTolerance.String())
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("DISCOUNT_CEILING_DEFAULT", "250")
	t.Setenv("DIVERGENCE_TOLERANCE", "-1")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")

	cfg := Load()
	assert.Equal(t, "5", cfg.DiscountCeilingDefault.String())
	assert.True(t, cfg.DivergenceTolerance.IsZero())
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}
