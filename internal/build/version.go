package build

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Commit stores the full version string of this build, which may
	// include the most recent tag, the number of commits since that tag,
	// and a dirty marker. This is set via -ldflags at link time.
	Commit string

	// CommitHash stores the commit hash of this build, set via -ldflags
	// at link time.
	CommitHash string

	// RawTags contains the raw set of build tags, separated by commas.
	// This is set via -ldflags at link time.
	RawTags string

	// GoVersion stores the Go version the executable was compiled with.
	// Populated at init time if not set via -ldflags.
	GoVersion string
)

const (
	// appMajor defines the major version of this binary.
	appMajor uint = 0

	// appMinor defines the minor version of this binary.
	appMinor uint = 1

	// appPatch defines the application patch for this binary.
	appPatch uint = 0

	// appPreRelease marks the pre-release identifier. It must contain
	// only characters from the semantic versioning alphabet.
	appPreRelease = "beta"
)

func init() {
	if GoVersion == "" {
		GoVersion = runtime.Version()
	}
}

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (https://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)

	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}

// Tags returns the list of build tags that were compiled into the
// executable.
func Tags() []string {
	if len(RawTags) == 0 {
		return nil
	}

	return strings.Split(RawTags, ",")
}
