package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultModel is the worker model used when the pool config does not
	// name one.
	DefaultModel = "gpt-5-codex"

	// DefaultReasoningEffort is the reasoning effort passed to workers
	// when the config does not override it.
	DefaultReasoningEffort = "medium"

	// DefaultMaxPoolSize bounds the number of concurrently live worker
	// processes.
	DefaultMaxPoolSize = 3

	// DefaultIdleTimeoutSeconds is how long a worker may sit without a
	// claim before the reaper drains it.
	DefaultIdleTimeoutSeconds = 600

	// DefaultMaxTTLSeconds is the hard lifetime cap for a worker process.
	DefaultMaxTTLSeconds = 3600

	// DefaultClaimTimeoutSeconds is how long a single claim may stay open
	// before it is reclaimed for other reviewers.
	DefaultClaimTimeoutSeconds = 900

	// DefaultSpawnCooldownSeconds throttles manual spawn requests.
	DefaultSpawnCooldownSeconds = 30

	// DefaultScalingRatio is the target number of pending reviews per
	// active worker.
	DefaultScalingRatio = 3.0

	// DefaultCheckIntervalSeconds is the cadence of the background reaper
	// pass.
	DefaultCheckIntervalSeconds = 30
)

// allowedModels is the set of model identifiers a pool config may name.
// Worker argv construction assumes one of these.
var allowedModels = map[string]struct{}{
	"gpt-5":        {},
	"gpt-5-codex":  {},
	"o3":           {},
	"o4-mini":      {},
	"codex-mini":   {},
	"gpt-4.1":      {},
	"gpt-4.1-mini": {},
}

// allowedEfforts is the set of valid reasoning_effort values.
var allowedEfforts = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

// Config holds the reviewer pool settings loaded from the planning config
// document. A nil *Config disables the pool entirely: spawn requests are
// refused and the background reapers become no-ops.
type Config struct {
	// Model is the model identifier passed to worker subprocesses.
	Model string `json:"model"`

	// ReasoningEffort tunes how much thinking the worker model does. One
	// of low, medium or high.
	ReasoningEffort string `json:"reasoning_effort"`

	// WorkspacePath is the directory workers run in. When set it must
	// exist.
	WorkspacePath string `json:"workspace_path"`

	// WSLDistro, when set, wraps the worker argv in a WSL invocation for
	// that distribution. Only meaningful on Windows hosts.
	WSLDistro string `json:"wsl_distro"`

	// MaxPoolSize caps concurrently live workers. Range [1, 10].
	MaxPoolSize int `json:"max_pool_size"`

	// IdleTimeoutSeconds drains workers with no attached reviews after
	// this long without activity. Minimum 60.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`

	// MaxTTLSeconds drains workers outright once they have been alive
	// this long. Minimum 300.
	MaxTTLSeconds int `json:"max_ttl_seconds"`

	// ClaimTimeoutSeconds reclaims reviews whose claim has been held
	// longer than this. Minimum 60.
	ClaimTimeoutSeconds int `json:"claim_timeout_seconds"`

	// SpawnCooldownSeconds throttles successive manual spawns. Minimum 1.
	SpawnCooldownSeconds int `json:"spawn_cooldown_seconds"`

	// PromptTemplatePath overrides the built-in reviewer prompt template.
	PromptTemplatePath string `json:"prompt_template_path"`

	// ScalingRatio is the pending-reviews-per-worker target used by the
	// reactive scaler. Minimum 1.0.
	ScalingRatio float64 `json:"scaling_ratio"`

	// BackgroundCheckIntervalSeconds is the reaper cadence. Minimum 5.
	BackgroundCheckIntervalSeconds int `json:"background_check_interval_seconds"`
}

// defaultConfig returns a Config populated with every default so a JSON
// section only needs to name the options it changes.
func defaultConfig() *Config {
	return &Config{
		Model:                          DefaultModel,
		ReasoningEffort:                DefaultReasoningEffort,
		MaxPoolSize:                    DefaultMaxPoolSize,
		IdleTimeoutSeconds:             DefaultIdleTimeoutSeconds,
		MaxTTLSeconds:                  DefaultMaxTTLSeconds,
		ClaimTimeoutSeconds:            DefaultClaimTimeoutSeconds,
		SpawnCooldownSeconds:           DefaultSpawnCooldownSeconds,
		ScalingRatio:                   DefaultScalingRatio,
		BackgroundCheckIntervalSeconds: DefaultCheckIntervalSeconds,
	}
}

// Validate checks every option against its allowed range. It reports the
// first violation found.
func (c *Config) Validate() error {
	if _, ok := allowedModels[c.Model]; !ok {
		return fmt.Errorf("model %q is not an allowed reviewer model", c.Model)
	}
	if _, ok := allowedEfforts[c.ReasoningEffort]; !ok {
		return fmt.Errorf("reasoning_effort %q must be one of low, medium "+
			"or high", c.ReasoningEffort)
	}
	if c.WorkspacePath != "" {
		info, err := os.Stat(c.WorkspacePath)
		if err != nil {
			return fmt.Errorf("workspace_path %q: %w", c.WorkspacePath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace_path %q is not a directory",
				c.WorkspacePath)
		}
	}
	if c.MaxPoolSize < 1 || c.MaxPoolSize > 10 {
		return fmt.Errorf("max_pool_size %d out of range [1, 10]",
			c.MaxPoolSize)
	}
	if c.IdleTimeoutSeconds < 60 {
		return fmt.Errorf("idle_timeout_seconds %d below minimum 60",
			c.IdleTimeoutSeconds)
	}
	if c.MaxTTLSeconds < 300 {
		return fmt.Errorf("max_ttl_seconds %d below minimum 300",
			c.MaxTTLSeconds)
	}
	if c.ClaimTimeoutSeconds < 60 {
		return fmt.Errorf("claim_timeout_seconds %d below minimum 60",
			c.ClaimTimeoutSeconds)
	}
	if c.SpawnCooldownSeconds < 1 {
		return fmt.Errorf("spawn_cooldown_seconds %d below minimum 1",
			c.SpawnCooldownSeconds)
	}
	if c.PromptTemplatePath != "" {
		if _, err := os.Stat(c.PromptTemplatePath); err != nil {
			return fmt.Errorf("prompt_template_path %q: %w",
				c.PromptTemplatePath, err)
		}
	}
	if c.ScalingRatio < 1.0 {
		return fmt.Errorf("scaling_ratio %.2f below minimum 1.0",
			c.ScalingRatio)
	}
	if c.BackgroundCheckIntervalSeconds < 5 {
		return fmt.Errorf("background_check_interval_seconds %d below "+
			"minimum 5", c.BackgroundCheckIntervalSeconds)
	}

	return nil
}

// IdleTimeout returns idle_timeout_seconds as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// MaxTTL returns max_ttl_seconds as a duration.
func (c *Config) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

// ClaimTimeout returns claim_timeout_seconds as a duration.
func (c *Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSeconds) * time.Second
}

// SpawnCooldown returns spawn_cooldown_seconds as a duration.
func (c *Config) SpawnCooldown() time.Duration {
	return time.Duration(c.SpawnCooldownSeconds) * time.Second
}

// CheckInterval returns the background reaper cadence as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.BackgroundCheckIntervalSeconds) * time.Second
}

// planningDoc is the shape of the planning config file. The reviewer pool
// settings live under their own key so the document can carry unrelated
// planning state.
type planningDoc struct {
	ReviewerPool json.RawMessage `json:"reviewer_pool"`
}

// LoadConfig reads the planning config document at path and returns the
// validated reviewer pool section. A missing file or a document without a
// reviewer_pool section returns (nil, nil), which disables the pool. Unknown
// option keys inside the section are rejected.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read pool config: %w", err)
	}

	var doc planningDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	if len(doc.ReviewerPool) == 0 || string(doc.ReviewerPool) == "null" {
		return nil, nil
	}

	cfg := defaultConfig()
	dec := json.NewDecoder(bytes.NewReader(doc.ReviewerPool))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid reviewer_pool section: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reviewer_pool section: %w", err)
	}

	return cfg, nil
}
