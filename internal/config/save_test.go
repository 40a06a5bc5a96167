package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/scheduler"
)

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Agents.Count = 3
	cfg.Agents.Roles = []scheduler.RoleSpec{{Name: "backend", Focus: []string{"api/**"}}}
	cfg.Executor.Timeout = 90 * time.Second
	cfg.Metrics.Addr = ":9464"
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout: 1m30s")
	assert.Contains(t, string(data), "max_elapsed_time: 2m0s")

	loaded, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	err := Save(DefaultConfig(), filepath.Join(blocker, "config.yaml"))
	assert.Error(t, err)
}
