package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	state := t.TempDir()
	t.Setenv("AGENTCREW_STATE_DIR", state)

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(state, "workspaces"), cfg.WorkspaceRoot)
	assert.Equal(t, 2*time.Second, cfg.Engine.AttachDelay)
	assert.Equal(t, filepath.Join(state, "capabilities.yaml"), cfg.CatalogPath)
	assert.Equal(t, "claude", cfg.Engine.Binary)
	assert.Equal(t, defaultEngineTimeout, cfg.Engine.Timeout)
	assert.Equal(t, "* * * * *", cfg.Scheduler.SweepCron)
	assert.Empty(t, cfg.Brain.Schedules)
	assert.Equal(t, time.Local, cfg.Location())
}

func TestLoadEnvironmentAndOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("AGENTCREW_STATE_DIR", t.TempDir())
	t.Setenv("AGENTCREW_ADDR", "0.0.0.0:9000")
	t.Setenv("AGENTCREW_BRAIN_SCHEDULES", "user-1=0 */4 * * *; user-2 = 30 9 * * 1-5")
	t.Setenv("AGENTCREW_BRAIN_CAPABILITIES", "analytics, ,task-management")
	t.Setenv("AGENTCREW_ENGINE_TIMEOUT", "90s")
	t.Setenv("AGENTCREW_ATTACH_DELAY", "0s")
	t.Setenv("AGENTCREW_SKIP_PERMISSIONS", "no")
	utc := true

	cfg, err := Load(Overrides{Addr: "127.0.0.1:1234", LogLevel: "debug", UseUTC: &utc})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]string{"user-1": "0 */4 * * *", "user-2": "30 9 * * 1-5"}, cfg.Brain.Schedules)
	assert.Equal(t, []string{"analytics", "task-management"}, cfg.Brain.Capabilities)
	assert.Equal(t, 90*time.Second, cfg.Engine.Timeout)
	assert.Zero(t, cfg.Engine.AttachDelay)
	assert.False(t, cfg.Engine.SkipPermissions)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadRejectsMalformedSchedules(t *testing.T) {
	isolate(t)
	t.Setenv("AGENTCREW_STATE_DIR", t.TempDir())
	t.Setenv("AGENTCREW_BRAIN_SCHEDULES", "user-1")
	_, err := Load(Overrides{})
	assert.ErrorContains(t, err, "want user=cron")
}
