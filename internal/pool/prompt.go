package pool

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompt_template.md
var defaultPromptTemplate string

// claimGenerationNote is substituted for the {claim_generation_note}
// placeholder in prompt templates. It tells workers how claim fencing works
// so stale verdicts are rejected instead of silently applied.
const claimGenerationNote = "Every successful claim returns a " +
	"`claim_generation` number. Include it in `submit_verdict`: if the " +
	"review was reclaimed while you worked, your verdict is rejected as " +
	"stale instead of overwriting someone else's claim."

// placeholderRe matches unresolved {placeholder} tokens left in a rendered
// prompt.
var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// promptMeta is the optional YAML front matter of a prompt template. Values
// set here override the pool config for the worker being spawned.
type promptMeta struct {
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
}

// splitFrontMatter separates an optional YAML front matter block from the
// template body. Templates without front matter are returned unchanged.
func splitFrontMatter(raw string) (promptMeta, string, error) {
	var meta promptMeta

	const marker = "---\n"
	if !strings.HasPrefix(raw, marker) {
		return meta, raw, nil
	}

	rest := raw[len(marker):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return meta, "", fmt.Errorf("unterminated front matter block")
	}

	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return meta, "", fmt.Errorf("invalid front matter: %w", err)
	}

	return meta, rest[end+len("\n---\n"):], nil
}

// renderPrompt loads the configured prompt template (or the built-in one),
// applies the worker placeholders, and returns the prompt body plus any
// front matter overrides. Unresolved placeholders are an error so a typoed
// template fails the spawn instead of confusing the worker.
func renderPrompt(cfg *Config, reviewerID string) (string, promptMeta, error) {
	raw := defaultPromptTemplate
	if cfg.PromptTemplatePath != "" {
		b, err := os.ReadFile(cfg.PromptTemplatePath)
		if err != nil {
			return "", promptMeta{}, fmt.Errorf("unable to read prompt "+
				"template: %w", err)
		}
		raw = string(b)
	}

	meta, body, err := splitFrontMatter(raw)
	if err != nil {
		return "", promptMeta{}, err
	}

	if meta.Model != "" {
		if _, ok := allowedModels[meta.Model]; !ok {
			return "", promptMeta{}, fmt.Errorf("front matter model %q is "+
				"not an allowed reviewer model", meta.Model)
		}
	}
	if meta.ReasoningEffort != "" {
		if _, ok := allowedEfforts[meta.ReasoningEffort]; !ok {
			return "", promptMeta{}, fmt.Errorf("front matter "+
				"reasoning_effort %q must be one of low, medium or high",
				meta.ReasoningEffort)
		}
	}

	body = strings.ReplaceAll(body, "{reviewer_id}", reviewerID)
	body = strings.ReplaceAll(
		body, "{claim_generation_note}", claimGenerationNote,
	)

	if leftover := placeholderRe.FindAllString(body, -1); len(leftover) > 0 {
		uniq := make(map[string]struct{})
		for _, p := range leftover {
			uniq[p] = struct{}{}
		}
		names := make([]string, 0, len(uniq))
		for p := range uniq {
			names = append(names, p)
		}
		sort.Strings(names)

		return "", promptMeta{}, fmt.Errorf("prompt template has "+
			"unresolved placeholders: %s", strings.Join(names, ", "))
	}

	return body, meta, nil
}
