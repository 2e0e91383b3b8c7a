// Package paths provides centralized path resolution for acolyte's data
// directories.
//
// The layout follows the XDG Base Directory Specification:
//
//   - Config (XDG_CONFIG_HOME): acolyte.json, agents.yaml: settings worth syncing
//   - Data (XDG_DATA_HOME): reserved for future persistent data
//   - State (XDG_STATE_HOME): logs/ (transient log files)
//
// Resolution order:
//  1. If ACOLYTE_HOME is set → flat layout, everything under that directory
//  2. If XDG env vars are set → XDG layout with proper separation
//  3. Otherwise → XDG defaults under the home directory
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	// 1. ACOLYTE_HOME wins: flat layout, useful for tests and containers
	if override := os.Getenv("ACOLYTE_HOME"); override != "" {
		resolved = &resolvedPaths{
			configDir: override,
			dataDir:   override,
			stateDir:  override,
			flat:      true,
		}
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	// 2. XDG env vars, with spec defaults for any unset var
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}

	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, "acolyte"),
		dataDir:   filepath.Join(xdgData, "acolyte"),
		stateDir:  filepath.Join(xdgState, "acolyte"),
		flat:      false,
	}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to acolyte.json.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "acolyte.json"), nil
}

// AgentsFilePath returns the full path to the agent profile and permission
// policy file.
func AgentsFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agents.yaml"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout returns true when ACOLYTE_HOME pinned everything to one
// directory.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return false
	}
	return r.flat
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
