package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadClean(t *testing.T, dir string) Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PAYOUT_CHUNK_SIZE", "")
	t.Setenv("UNCLAIMED_POLICY", "")

	cfg := loadClean(t, t.TempDir())

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "USD", cfg.PayoutCurrency)
	assert.Equal(t, 500, cfg.PayoutChunkSize)
	assert.Equal(t, 3, cfg.PayoutMaxAttempts)
	assert.Equal(t, "hold", cfg.UnclaimedPolicy)
	assert.Equal(t, "transfa:rewards:cycle_lock", cfg.RedisLockPrefix)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout())
	assert.Equal(t, 30*time.Minute, cfg.RetryWindow())
	assert.Equal(t, 2*time.Minute, cfg.CycleLockTTL())
}

func TestLoadConfig_InternalAPIKeyAlias(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "")
	t.Setenv("REWARDS_SERVICE_INTERNAL_API_KEY", "alias-only-key")
	require.NoError(t, os.Unsetenv("INTERNAL_API_KEY"))

	cfg := loadClean(t, t.TempDir())
	assert.Equal(t, "alias-only-key", cfg.InternalAPIKey)
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "primary-key")
	t.Setenv("REWARDS_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg := loadClean(t, t.TempDir())
	assert.Equal(t, "primary-key", cfg.InternalAPIKey)
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("PORT", "7000")

	cfg := loadClean(t, t.TempDir())
	assert.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_NormalisesOutOfRangeValues(t *testing.T) {
	t.Setenv("PAYOUT_CHUNK_SIZE", "-4")
	t.Setenv("PAYOUT_MAX_ATTEMPTS", "0")
	t.Setenv("PAYOUT_CURRENCY", " eur ")
	t.Setenv("UNCLAIMED_POLICY", "sometimes")
	t.Setenv("CYCLE_LOCK_WAIT_SECONDS", "-1")

	cfg := loadClean(t, t.TempDir())

	assert.Equal(t, 500, cfg.PayoutChunkSize)
	assert.Equal(t, 3, cfg.PayoutMaxAttempts)
	assert.Equal(t, "EUR", cfg.PayoutCurrency)
	assert.Equal(t, "hold", cfg.UnclaimedPolicy)
	assert.Zero(t, cfg.CycleLockWait())
}

func TestLoadConfig_CapsChunkSizeAtProviderLimit(t *testing.T) {
	t.Setenv("PAYOUT_CHUNK_SIZE", "20000")
	t.Setenv("UNCLAIMED_POLICY", "FOLLOW_PROVIDER")

	cfg := loadClean(t, t.TempDir())
	assert.Equal(t, 15000, cfg.PayoutChunkSize)
	assert.Equal(t, "follow_provider", cfg.UnclaimedPolicy)
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PAYOUT_CHUNK_SIZE=250\nSELECTION_SEED=42\n"), 0o600))
	t.Setenv("PAYOUT_CHUNK_SIZE", "")
	require.NoError(t, os.Unsetenv("PAYOUT_CHUNK_SIZE"))

	cfg := loadClean(t, dir)
	assert.Equal(t, 250, cfg.PayoutChunkSize)
	assert.Equal(t, uint64(42), cfg.SelectionSeed)
}
