// Package locator resolves the absolute path of the device helper binary.
//
// Resolution happens once at agent startup and the result is immutable for
// the lifetime of the process - installing the helper afterwards requires an
// agent restart to be picked up.
package locator

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// HelperName is the executable name of the device helper
const HelperName = "pymobiledevice3"

// defaultSearchDirs are conventional install locations checked in order
// before falling back to a PATH lookup
var defaultSearchDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"~/.local/bin",
	"/usr/bin",
}

// Availability reports whether the helper binary was resolved and where.
// The zero value means "helper unavailable".
type Availability struct {
	Available bool
	Path      string
}

// SearchDirs returns the directories used for helper resolution, with extra
// user-configured directories ahead of the defaults. The same list augments
// the PATH of spawned helper subprocesses so the helper's own dependencies
// resolve correctly.
func SearchDirs(extra []string) []string {
	dirs := make([]string, 0, len(extra)+len(defaultSearchDirs))
	for _, d := range extra {
		dirs = append(dirs, expandHome(d))
	}
	for _, d := range defaultSearchDirs {
		dirs = append(dirs, expandHome(d))
	}
	return dirs
}

// Resolve locates the helper binary. An explicit override path wins when it
// points at an executable file. Absence of the helper is reported via
// Availability, not as an error.
func Resolve(override string, extraDirs []string) Availability {
	if override != "" {
		if isExecutable(override) {
			return Availability{Available: true, Path: override}
		}
		slog.Warn("Configured helper path is not executable, falling back to discovery",
			"path", override)
	}

	for _, dir := range SearchDirs(extraDirs) {
		candidate := filepath.Join(dir, HelperName)
		if isExecutable(candidate) {
			slog.Debug("Resolved helper binary", "path", candidate)
			return Availability{Available: true, Path: candidate}
		}
	}

	// Fall back to a PATH lookup
	if path, err := exec.LookPath(HelperName); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		slog.Debug("Resolved helper binary via PATH", "path", path)
		return Availability{Available: true, Path: path}
	}

	slog.Debug("Helper binary not found", "helper", HelperName)
	return Availability{}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + path[1:]
	}
	return path
}
