package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reviewer-prompt.md")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func TestRenderPromptBuiltin(t *testing.T) {
	t.Parallel()

	body, meta, err := renderPrompt(defaultConfig(), "reviewer-7-cafebabe")
	require.NoError(t, err)

	// The built-in template carries its own front matter.
	require.Equal(t, DefaultModel, meta.Model)
	require.Equal(t, DefaultReasoningEffort, meta.ReasoningEffort)

	require.Contains(t, body, "reviewer-7-cafebabe")
	require.Contains(t, body, "claim_generation")
	require.NotContains(t, body, "{reviewer_id}")
	require.NotContains(t, body, "{claim_generation_note}")
}

func TestRenderPromptCustomTemplate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.PromptTemplatePath = writeTemplate(t, "---\n"+
		"model: o3\n"+
		"reasoning_effort: high\n"+
		"---\n"+
		"You are {reviewer_id}.\n\n{claim_generation_note}\n")

	body, meta, err := renderPrompt(cfg, "reviewer-1-feedcafe")
	require.NoError(t, err)
	require.Equal(t, "o3", meta.Model)
	require.Equal(t, "high", meta.ReasoningEffort)
	require.Contains(t, body, "You are reviewer-1-feedcafe.")
}

func TestRenderPromptNoFrontMatter(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.PromptTemplatePath = writeTemplate(t, "Hello {reviewer_id}.\n")

	body, meta, err := renderPrompt(cfg, "reviewer-2-feedcafe")
	require.NoError(t, err)
	require.Empty(t, meta.Model)
	require.Empty(t, meta.ReasoningEffort)
	require.Equal(t, "Hello reviewer-2-feedcafe.\n", body)
}

func TestRenderPromptUnterminatedFrontMatter(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.PromptTemplatePath = writeTemplate(t, "---\nmodel: o3\n")

	_, _, err := renderPrompt(cfg, "reviewer-1-feedcafe")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unterminated front matter")
}

func TestRenderPromptBadFrontMatterModel(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.PromptTemplatePath = writeTemplate(t,
		"---\nmodel: gpt-9000\n---\n{reviewer_id}\n")

	_, _, err := renderPrompt(cfg, "reviewer-1-feedcafe")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not an allowed reviewer model")
}

func TestRenderPromptUnresolvedPlaceholders(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.PromptTemplatePath = writeTemplate(t,
		"Hello {reviewer_id}, connect to {broker_url} as {worker_name}.\n")

	_, _, err := renderPrompt(cfg, "reviewer-1-feedcafe")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unresolved placeholders")
	require.Contains(t, err.Error(), "{broker_url}")
	require.Contains(t, err.Error(), "{worker_name}")
}
