package main

import (
	"testing"

	"github.com/roasbeef/revbroker/internal/pool"
	"github.com/stretchr/testify/require"
)

// TestApplyPromptOverride checks the environment-provided template path
// wins over the config file's prompt_template_path.
func TestApplyPromptOverride(t *testing.T) {
	t.Parallel()

	cfg := &pool.Config{PromptTemplatePath: "/from/config.md"}
	applyPromptOverride(cfg, "/from/env.md")
	require.Equal(t, "/from/env.md", cfg.PromptTemplatePath)

	// No override keeps the config file's path.
	cfg = &pool.Config{PromptTemplatePath: "/from/config.md"}
	applyPromptOverride(cfg, "")
	require.Equal(t, "/from/config.md", cfg.PromptTemplatePath)

	// A disabled pool tolerates the override.
	applyPromptOverride(nil, "/from/env.md")
}
