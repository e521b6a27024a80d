package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Version information, set at build time via
// -ldflags "-X github.com/ternarybob/pulse/internal/common.Version=..."
var (
	Version   = "0.1.0-dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

var versionOnce sync.Once

// GetVersion returns the version string. A .version file dropped next to
// the pulse binary by the release pipeline overrides the compiled-in value.
func GetVersion() string {
	versionOnce.Do(func() {
		if v := versionFromFile(); v != "" {
			Version = v
		}
	})
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", GetVersion(), Build, GitCommit)
}

func versionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
