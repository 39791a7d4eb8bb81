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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 0, cfg.Eligibility.GraceDays)
	assert.Equal(t, int64(0), cfg.Eligibility.OverdueTolerance)
	assert.Equal(t, "XOF", cfg.Eligibility.Currency)
	assert.Equal(t, 30*24*time.Hour, cfg.Voucher.ValidityWindow)
	assert.Equal(t, 20, cfg.Voucher.DailyIssuanceLimit)
	assert.Empty(t, cfg.Postgres.URL)
	assert.Equal(t, 5*time.Minute, cfg.Settlement.PendingGrace)
	assert.Empty(t, cfg.Directory.SeedFile)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MUTUELLE_ELIGIBILITY_GRACE_DAYS", "10")
	t.Setenv("MUTUELLE_VOUCHER_VALIDITY_WINDOW", "72h")
	t.Setenv("MUTUELLE_SWEEP_BATCH_SIZE", "50")

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Eligibility.GraceDays)
	assert.Equal(t, 72*time.Hour, cfg.Voucher.ValidityWindow)
	assert.Equal(t, 50, cfg.Sweep.BatchSize)
}

func TestLoad_RejectsNegativeGrace(t *testing.T) {
	t.Setenv("MUTUELLE_ELIGIBILITY_GRACE_DAYS", "-1")
	_, err := load(viper.New())
	assert.Error(t, err)
}

func TestLoadTariffs(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		tariffs, err := LoadTariffs("")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), tariffs["standard"])
		assert.Equal(t, int64(7500), tariffs["expectant_mother"])
	})

	t.Run("file overrides one category", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tariffs.toml")
		require.NoError(t, os.WriteFile(path, []byte("[tariffs]\nstandard = 5500\n"), 0o600))

		tariffs, err := LoadTariffs(path)
		require.NoError(t, err)
		assert.Equal(t, int64(5500), tariffs["standard"])
		assert.Equal(t, int64(3000), tariffs["child"])
		assert.Equal(t, int64(5000), DefaultTariffs["standard"], "defaults untouched")
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tariffs.toml")
		require.NoError(t, os.WriteFile(path, []byte("[tariffs]\nchild = 0\n"), 0o600))
		_, err := LoadTariffs(path)
		assert.Error(t, err)
	})
}
