package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "", cfg.Storage.DataDir, "storage should be in-memory by default")
	assert.Equal(t, int64(64*1024*1024), cfg.Storage.MaxSegmentBytes)
	assert.False(t, cfg.Auth.Enabled, "auth should be opt-in")
	assert.Empty(t, cfg.Auth.APIKeys)
}

func TestStorageAndAuthFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
storage:
  data_dir: /var/lib/replikv
  max_segment_bytes: 1048576
auth:
  enabled: true
  api_keys:
    - "0123456789abcdef0123456789abcdef"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/replikv", cfg.Storage.DataDir)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxSegmentBytes)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"0123456789abcdef0123456789abcdef"}, cfg.Auth.APIKeys)
}
