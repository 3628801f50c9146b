package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsAndResolvesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 256, cfg.Memory.EmbeddingDimension)
	assert.Equal(t, "balanced", cfg.Coordinator.Mode)
	assert.InDelta(t, 0.02, cfg.Agents.RiskManagementMaxRiskPerTrade, 0.0001)
	assert.DirExists(t, dir)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("COORDINATOR_MODE", "aggressive")
	t.Setenv("RUNTIME_MAX_CONCURRENT_TASKS", "25")
	t.Setenv("AGENTS_WATCHLIST", "AAPL, TSLA ,GOOG")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.Coordinator.Mode)
	assert.Equal(t, 25, cfg.RuntimeAgent.MaxConcurrentTasks)
	assert.Equal(t, []string{"AAPL", "TSLA", "GOOG"}, cfg.Agents.Watchlist)
}

func TestLoad_RejectsUnrecognizedCoordinatorMode(t *testing.T) {
	t.Setenv("COORDINATOR_MODE", "yolo")
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

type fakeSettingsRepo struct {
	values map[string]string
}

func (f *fakeSettingsRepo) Get(key string) (*string, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func TestUpdateFromSettings_OverridesEnvironmentValues(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	repo := &fakeSettingsRepo{values: map[string]string{
		"coordinator.mode": "conservative",
		"agents.risk_management.max_risk_per_trade": "0.01",
		"runtime.max_concurrent_tasks":               "4",
	}}

	require.NoError(t, cfg.UpdateFromSettings(repo))

	assert.Equal(t, "conservative", cfg.Coordinator.Mode)
	assert.InDelta(t, 0.01, cfg.Agents.RiskManagementMaxRiskPerTrade, 0.0001)
	assert.Equal(t, 4, cfg.RuntimeAgent.MaxConcurrentTasks)
}

func TestUpdateFromSettings_KeepsEnvValueWhenSettingEmpty(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	original := cfg.Coordinator.Mode

	repo := &fakeSettingsRepo{values: map[string]string{}}
	require.NoError(t, cfg.UpdateFromSettings(repo))

	assert.Equal(t, original, cfg.Coordinator.Mode)
}
