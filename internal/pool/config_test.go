package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "planning-config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestLoadConfigNoPoolSection(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeDoc(t, `{"other_stuff": {"a": 1}}`))
	require.NoError(t, err)
	require.Nil(t, cfg)

	cfg, err = LoadConfig(writeDoc(t, `{"reviewer_pool": null}`))
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeDoc(t, `{"reviewer_pool": {}}`))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, DefaultModel, cfg.Model)
	require.Equal(t, DefaultReasoningEffort, cfg.ReasoningEffort)
	require.Equal(t, DefaultMaxPoolSize, cfg.MaxPoolSize)
	require.Equal(t, DefaultIdleTimeoutSeconds, cfg.IdleTimeoutSeconds)
	require.Equal(t, DefaultMaxTTLSeconds, cfg.MaxTTLSeconds)
	require.Equal(t, DefaultClaimTimeoutSeconds, cfg.ClaimTimeoutSeconds)
	require.Equal(t, DefaultSpawnCooldownSeconds, cfg.SpawnCooldownSeconds)
	require.InDelta(t, DefaultScalingRatio, cfg.ScalingRatio, 0.001)
	require.Equal(t, DefaultCheckIntervalSeconds,
		cfg.BackgroundCheckIntervalSeconds)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeDoc(t, `{
		"reviewer_pool": {
			"model": "o3",
			"max_pool_size": 5,
			"scaling_ratio": 2.5
		}
	}`))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Named options land, everything else keeps its default.
	require.Equal(t, "o3", cfg.Model)
	require.Equal(t, 5, cfg.MaxPoolSize)
	require.InDelta(t, 2.5, cfg.ScalingRatio, 0.001)
	require.Equal(t, DefaultReasoningEffort, cfg.ReasoningEffort)
	require.Equal(t, DefaultIdleTimeoutSeconds, cfg.IdleTimeoutSeconds)
}

func TestLoadConfigUnknownKey(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(writeDoc(t,
		`{"reviewer_pool": {"max_pool_sizee": 4}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid reviewer_pool section")
}

func TestLoadConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		section string
		wantErr string
	}{
		{
			name:    "unknown model",
			section: `{"model": "gpt-6"}`,
			wantErr: "not an allowed reviewer model",
		},
		{
			name:    "bad effort",
			section: `{"reasoning_effort": "extreme"}`,
			wantErr: "reasoning_effort",
		},
		{
			name:    "pool size too big",
			section: `{"max_pool_size": 11}`,
			wantErr: "out of range",
		},
		{
			name:    "pool size zero",
			section: `{"max_pool_size": 0}`,
			wantErr: "out of range",
		},
		{
			name:    "idle timeout too short",
			section: `{"idle_timeout_seconds": 30}`,
			wantErr: "idle_timeout_seconds",
		},
		{
			name:    "ttl too short",
			section: `{"max_ttl_seconds": 120}`,
			wantErr: "max_ttl_seconds",
		},
		{
			name:    "claim timeout too short",
			section: `{"claim_timeout_seconds": 10}`,
			wantErr: "claim_timeout_seconds",
		},
		{
			name:    "scaling ratio below one",
			section: `{"scaling_ratio": 0.5}`,
			wantErr: "scaling_ratio",
		},
		{
			name:    "check interval too short",
			section: `{"background_check_interval_seconds": 1}`,
			wantErr: "background_check_interval_seconds",
		},
		{
			name:    "missing workspace",
			section: `{"workspace_path": "/definitely/not/here"}`,
			wantErr: "workspace_path",
		},
		{
			name:    "missing prompt template",
			section: `{"prompt_template_path": "/nope.md"}`,
			wantErr: "prompt_template_path",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(writeDoc(t,
				`{"reviewer_pool": `+tc.section+`}`))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadConfigWorkspaceMustBeDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := LoadConfig(writeDoc(t,
		`{"reviewer_pool": {"workspace_path": `+quoteJSON(t, file)+`}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a directory")
}

func TestConfigDurations(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	require.Equal(t, 10*time.Minute, cfg.IdleTimeout())
	require.Equal(t, time.Hour, cfg.MaxTTL())
	require.Equal(t, 15*time.Minute, cfg.ClaimTimeout())
	require.Equal(t, 30*time.Second, cfg.SpawnCooldown())
	require.Equal(t, 30*time.Second, cfg.CheckInterval())
}

// quoteJSON renders a path as a JSON string literal.
func quoteJSON(t *testing.T, s string) string {
	t.Helper()

	b, err := json.Marshal(s)
	require.NoError(t, err)

	return string(b)
}
