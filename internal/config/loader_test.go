package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "humanizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_DefaultsOnly(t *testing.T) {
	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, Default().Loop, cfg.Loop)
}

func TestLoadWithFile_YAML(t *testing.T) {
	path := writeConfig(t, `
loop:
  max_iterations: 3
  target_originality_threshold: 15
  initial_aggression: aggressive
retry:
  retry_delay: 500ms
storage:
  checkpoint_dir: /tmp/ckpt
stages:
  endpoints:
    paraphrase: http://localhost:9001
    detection_score: http://localhost:9002
`, 0o600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, 15.0, cfg.Loop.TargetThreshold)
	assert.Equal(t, "aggressive", cfg.Loop.InitialAggression)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.RetryDelay.Duration())
	assert.Equal(t, "/tmp/ckpt", cfg.Storage.CheckpointDir)
	assert.Equal(t, "http://localhost:9001", cfg.Stages.Endpoints["paraphrase"])

	// untouched values keep their defaults
	assert.Equal(t, 0.02, cfg.Loop.EarlyTerminationImprovement)
	assert.Equal(t, 10, cfg.Storage.BackupRetention)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "loop:\n  max_iterations: 3\n", 0o600)
	t.Setenv("HUMANIZER_LOOP_MAX_ITERATIONS", "5")
	t.Setenv("HUMANIZER_RETRY_STAGE_TIMEOUT", "45s")
	t.Setenv("HUMANIZER_INJECTION_ENABLED", "false")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.Retry.StageTimeout.Duration())
	assert.False(t, cfg.Injection.Enabled)
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	path := writeConfig(t, "loop:\n  max_iterations: 0\n", 0o600)
	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	_, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}

func TestLoadWithFile_WorldWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "loop:\n  max_iterations: 3\n", 0o666)
	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize+10)+"\n", 0o600)
	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "loop.max_iterations", envKey("HUMANIZER_LOOP_MAX_ITERATIONS"))
	assert.Equal(t, "storage.backup_dir", envKey("HUMANIZER_STORAGE_BACKUP_DIR"))
	assert.Equal(t, "loop", envKey("HUMANIZER_LOOP"))
}
