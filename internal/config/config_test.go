package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDBPathOverride(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/custom/broker.sqlite3")

	path, err := DBPath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom/broker.sqlite3", path)
}

func TestDBPathDefault(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	path, err := DBPath()
	require.NoError(t, err)
	require.Equal(
		t,
		filepath.Join("/tmp/xdg", appDirName, dbFileName),
		path,
	)
}

func TestRepoRootOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvRepoRoot, root)

	got, err := RepoRoot()
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func TestRepoRootWalksUpToGitDir(t *testing.T) {
	t.Setenv(EnvRepoRoot, "")

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(
		filepath.Join(root, ".git"), 0o700,
	))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o700))

	t.Chdir(nested)

	got, err := RepoRoot()
	require.NoError(t, err)

	// TempDir may sit behind a symlink, so compare resolved paths.
	wantResolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	require.Equal(t, wantResolved, gotResolved)
}

func TestPoolConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/alt/config.json")

	path, err := PoolConfigPath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/alt/config.json", path)

	root := t.TempDir()
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvRepoRoot, root)

	path, err = PoolConfigPath()
	require.NoError(t, err)
	require.Equal(
		t, filepath.Join(root, ".planning", "config.json"), path,
	)
}

func TestHostAndLogLevel(t *testing.T) {
	t.Setenv(EnvHost, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvUvicornLogLevel, "")

	require.Equal(t, DefaultHost, Host())
	require.Equal(t, "info", LogLevel())

	t.Setenv(EnvUvicornLogLevel, "warning")
	require.Equal(t, "warning", LogLevel())

	// The native variable outranks the legacy one.
	t.Setenv(EnvLogLevel, "debug")
	require.Equal(t, "debug", LogLevel())

	t.Setenv(EnvHost, "0.0.0.0")
	require.Equal(t, "0.0.0.0", Host())
}

func TestLogRotationDefaultsAndOverrides(t *testing.T) {
	t.Setenv(EnvLogMaxSize, "")
	t.Setenv(EnvLogBackups, "")

	maxBytes, backups := BrokerLogRotation()
	require.EqualValues(t, defaultLogMaxBytes, maxBytes)
	require.Equal(t, defaultLogBackups, backups)

	t.Setenv(EnvLogMaxSize, "1048576")
	t.Setenv(EnvLogBackups, "3")

	maxBytes, backups = BrokerLogRotation()
	require.EqualValues(t, 1048576, maxBytes)
	require.Equal(t, 3, backups)

	// Malformed values fall back to defaults.
	t.Setenv(EnvReviewerLogMaxSize, "not-a-number")
	maxBytes, _ = ReviewerLogRotation()
	require.EqualValues(t, defaultLogMaxBytes, maxBytes)
}
