// Package config resolves broker paths and settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Environment variables recognized by the broker.
const (
	EnvDBPath             = "BROKER_DB_PATH"
	EnvConfigPath         = "BROKER_CONFIG_PATH"
	EnvRepoRoot           = "BROKER_REPO_ROOT"
	EnvHost               = "BROKER_HOST"
	EnvLogLevel           = "BROKER_LOG_LEVEL"
	EnvUvicornLogLevel    = "BROKER_UVICORN_LOG_LEVEL"
	EnvPromptTemplate     = "BROKER_PROMPT_TEMPLATE_PATH"
	EnvReviewerLogMaxSize = "BROKER_REVIEWER_LOG_MAX_BYTES"
	EnvReviewerLogBackups = "BROKER_REVIEWER_LOG_BACKUPS"
	EnvLogMaxSize         = "BROKER_LOG_MAX_BYTES"
	EnvLogBackups         = "BROKER_LOG_BACKUPS"
)

const (
	appDirName = "revbroker"
	dbFileName = "codex_review_broker.sqlite3"

	// poolConfigRel is where the pool config JSON lives relative to the
	// repo root.
	poolConfigRel = ".planning/config.json"

	// DefaultHost is the loopback bind address for the web transport.
	DefaultHost = "127.0.0.1"

	defaultLogMaxBytes = 10 * 1024 * 1024
	defaultLogBackups  = 5
)

// UserConfigDir returns the platform config directory, honoring
// XDG_CONFIG_HOME on unix and APPDATA on windows.
func UserConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err == nil {
		return dir, nil
	}

	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}

	return filepath.Join(home, ".config"), nil
}

// DBPath returns the store path, BROKER_DB_PATH when set, otherwise the
// per-user default under the platform config directory.
func DBPath() (string, error) {
	if path := os.Getenv(EnvDBPath); path != "" {
		return path, nil
	}

	configDir, err := UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, appDirName, dbFileName), nil
}

// RepoRoot locates the git repository the broker serves. BROKER_REPO_ROOT
// wins when set; otherwise the walk starts at the working directory and
// climbs until a .git entry appears, falling back to the working directory
// itself.
func RepoRoot() (string, error) {
	if root := os.Getenv(EnvRepoRoot); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve repo root: %w", err)
		}

		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	dir := cwd
	for {
		// A .git file (not just a directory) counts so linked work
		// trees resolve too.
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return cwd, nil
}

// PoolConfigPath returns the pool config JSON path, BROKER_CONFIG_PATH when
// set, otherwise .planning/config.json under the repo root.
func PoolConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	root, err := RepoRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, poolConfigRel), nil
}

// PromptTemplatePath returns the hard override for the reviewer prompt
// template, empty when unset.
func PromptTemplatePath() string {
	return os.Getenv(EnvPromptTemplate)
}

// Host returns the web transport bind host.
func Host() string {
	if host := os.Getenv(EnvHost); host != "" {
		return host
	}

	return DefaultHost
}

// LogLevel returns the requested log level. BROKER_LOG_LEVEL wins, with
// BROKER_UVICORN_LOG_LEVEL honored for setups carried over from older
// deployments.
func LogLevel() string {
	if level := os.Getenv(EnvLogLevel); level != "" {
		return level
	}
	if level := os.Getenv(EnvUvicornLogLevel); level != "" {
		return level
	}

	return "info"
}

// ReviewerLogRotation returns the size cap and backup count for per-worker
// JSONL logs.
func ReviewerLogRotation() (int64, int) {
	return envInt64(EnvReviewerLogMaxSize, defaultLogMaxBytes),
		int(envInt64(EnvReviewerLogBackups, defaultLogBackups))
}

// BrokerLogRotation returns the size cap and backup count for the broker's
// own log file.
func BrokerLogRotation() (int64, int) {
	return envInt64(EnvLogMaxSize, defaultLogMaxBytes),
		int(envInt64(EnvLogBackups, defaultLogBackups))
}

// envInt64 parses an integer environment variable, returning def when the
// variable is unset or malformed.
func envInt64(name string, def int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return def
	}

	return parsed
}
