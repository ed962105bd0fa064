package diff

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/cmd/main.go b/cmd/main.go
index 1111111..2222222 100644
--- a/cmd/main.go
+++ b/cmd/main.go
@@ -1,3 +1,4 @@
 package main
+
diff --git a/internal/new.go b/internal/new.go
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/internal/new.go
@@ -0,0 +1 @@
+package internal
diff --git a/old.txt b/old.txt
deleted file mode 100644
index 4444444..0000000
--- a/old.txt
+++ /dev/null
@@ -1 +0,0 @@
-gone
diff --git a/before.go b/after.go
similarity index 90%
rename from before.go
rename to after.go
`

func TestExtractAffectedFiles(t *testing.T) {
	t.Parallel()

	files := ExtractAffectedFiles(sampleDiff)
	require.Equal(t, []AffectedFile{
		{Path: "cmd/main.go", ChangeType: ChangeModified},
		{Path: "internal/new.go", ChangeType: ChangeAdded},
		{Path: "old.txt", ChangeType: ChangeDeleted},
		{Path: "after.go", ChangeType: ChangeRenamed},
	}, files)
}

func TestExtractAffectedFilesQuotedPaths(t *testing.T) {
	t.Parallel()

	quoted := "diff --git \"a/dir/with space.txt\" " +
		"\"b/dir/with space.txt\"\n" +
		"--- \"a/dir/with space.txt\"\n" +
		"+++ \"b/dir/with space.txt\"\n"

	files := ExtractAffectedFiles(quoted)
	require.Equal(t, []AffectedFile{
		{Path: "dir/with space.txt", ChangeType: ChangeModified},
	}, files)
}

func TestExtractAffectedFilesEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, ExtractAffectedFiles(""))
	require.Empty(t, ExtractAffectedFiles("not a diff at all\n"))
}

func TestEncodeAffectedFiles(t *testing.T) {
	t.Parallel()

	encoded, err := EncodeAffectedFiles(nil)
	require.NoError(t, err)
	require.Empty(t, encoded)

	encoded, err = EncodeAffectedFiles([]AffectedFile{
		{Path: "x.go", ChangeType: ChangeModified},
	})
	require.NoError(t, err)
	require.JSONEq(
		t, `[{"path":"x.go","change_type":"modified"}]`, encoded,
	)
}

// newTestRepo initializes a scratch git work tree holding a single tracked
// file.
func newTestRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	require.NoError(
		t, exec.Command("git", "init", "-q", root).Run(),
	)
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "a.txt"),
		[]byte("hello\nworld\n"), 0o644,
	))

	return root
}

func TestGitValidatorAcceptsCleanPatch(t *testing.T) {
	t.Parallel()

	root := newTestRepo(t)

	clean := `diff --git a/a.txt b/a.txt
--- a/a.txt
+++ b/a.txt
@@ -1,2 +1,2 @@
 hello
-world
+there
`
	err := GitValidator{}.Validate(context.Background(), clean, root)
	require.NoError(t, err)
}

func TestGitValidatorRejectsStalePatch(t *testing.T) {
	t.Parallel()

	root := newTestRepo(t)

	// Context lines do not match the tree, so the patch cannot apply.
	stale := `diff --git a/a.txt b/a.txt
--- a/a.txt
+++ b/a.txt
@@ -1,2 +1,2 @@
 something
-else
+entirely
`
	err := GitValidator{}.Validate(context.Background(), stale, root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "git apply --check")
}
