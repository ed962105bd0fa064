// Package diff validates unified diffs against a working tree and extracts
// the set of files a patch touches.
package diff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Change types recorded for each file a patch touches.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
	ChangeRenamed  = "renamed"
)

// AffectedFile is one file touched by a unified diff.
type AffectedFile struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"`
}

// Validator checks whether a unified diff would apply cleanly against a
// repository working tree.
type Validator interface {
	Validate(ctx context.Context, diffText, repoRoot string) error
}

// GitValidator shells out to git apply --check with the diff on stdin.
// Although exec.Command does not use shell interpretation, the diff text
// never touches the argument list.
type GitValidator struct{}

// Validate runs git apply --check in repoRoot. A non-nil error carries
// git's stderr so callers can surface why the patch does not apply.
func (GitValidator) Validate(ctx context.Context, diffText,
	repoRoot string) error {

	cmd := exec.CommandContext(ctx, "git", "apply", "--check", "-")
	cmd.Dir = repoRoot
	cmd.Stdin = strings.NewReader(diffText)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return fmt.Errorf("git apply --check: %s", errMsg)
	}

	return nil
}

// ExtractAffectedFiles parses the file headers out of a unified diff. The
// path is taken from the b/ side, so renames report the new name. Unknown
// or malformed headers are skipped rather than failing the whole parse.
func ExtractAffectedFiles(diffText string) []AffectedFile {
	var (
		files   []AffectedFile
		current *AffectedFile
	)

	flush := func() {
		if current != nil {
			files = append(files, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()

			_, newPath, ok := parseGitHeader(line)
			if !ok {
				continue
			}
			current = &AffectedFile{
				Path:       newPath,
				ChangeType: ChangeModified,
			}

		case current == nil:
			continue

		case strings.HasPrefix(line, "new file mode"):
			current.ChangeType = ChangeAdded

		case strings.HasPrefix(line, "deleted file mode"):
			current.ChangeType = ChangeDeleted

		case strings.HasPrefix(line, "rename to "):
			current.ChangeType = ChangeRenamed
			current.Path = strings.TrimPrefix(line, "rename to ")
		}
	}
	flush()

	return files
}

// parseGitHeader splits a "diff --git a/old b/new" line into its two paths.
// Git quotes paths containing special characters, which the quoted branch
// handles.
func parseGitHeader(line string) (string, string, bool) {
	rest := strings.TrimPrefix(line, "diff --git ")

	if strings.HasPrefix(rest, `"`) {
		var oldQuoted, newQuoted string
		n, err := fmt.Sscanf(rest, "%q %q", &oldQuoted, &newQuoted)
		if err != nil || n != 2 {
			return "", "", false
		}
		return strings.TrimPrefix(oldQuoted, "a/"),
			strings.TrimPrefix(newQuoted, "b/"), true
	}

	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		return "", "", false
	}

	oldPath := strings.TrimPrefix(rest[:idx], "a/")
	newPath := rest[idx+len(" b/"):]

	return oldPath, newPath, true
}

// EncodeAffectedFiles renders the list as the JSON stored alongside a
// review. An empty list encodes as the empty string so the column stays
// NULL.
func EncodeAffectedFiles(files []AffectedFile) (string, error) {
	if len(files) == 0 {
		return "", nil
	}

	buf, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("failed to encode affected files: %w",
			err)
	}

	return string(buf), nil
}

// DecodeAffectedFiles parses the stored JSON back into a file list. The
// empty string and malformed input both decode to nil; the column is only
// ever written by EncodeAffectedFiles.
func DecodeAffectedFiles(encoded string) []AffectedFile {
	if encoded == "" {
		return nil
	}

	var files []AffectedFile
	if err := json.Unmarshal([]byte(encoded), &files); err != nil {
		return nil
	}

	return files
}
