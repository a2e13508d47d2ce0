package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file://.draftsync", cfg.StoreDSN)
	assert.Equal(t, "draftsync", cfg.Namespace)
	assert.Equal(t, "formDrafts", cfg.DocumentCategory)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, "timestamp", cfg.ConflictStrategy)
	assert.Zero(t, cfg.MaxStoreBytes)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DRAFTSYNC_STORE_DSN", "sqlite:///var/lib/draftsync.db")
	t.Setenv("DRAFTSYNC_NAMESPACE", "crm")
	t.Setenv("DRAFTSYNC_LEASE_DURATION", "45s")
	t.Setenv("DRAFTSYNC_MAX_STORE_BYTES", "5242880")
	t.Setenv("DRAFTSYNC_CONFLICT_STRATEGY", "fieldMerge")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/draftsync.db", cfg.StoreDSN)
	assert.Equal(t, "crm", cfg.Namespace)
	assert.Equal(t, 45*time.Second, cfg.LeaseDuration)
	assert.Equal(t, int64(5242880), cfg.MaxStoreBytes)
	assert.Equal(t, "fieldMerge", cfg.ConflictStrategy)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("DRAFTSYNC_LEASE_DURATION", "soon")
	_, err := Load()
	assert.Error(t, err)
}
