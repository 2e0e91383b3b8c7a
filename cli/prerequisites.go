// Package cli provides utilities for validating the external agent
// commands acolyte spawns.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmarsden/acolyte/config"
)

// versionProbeTimeout bounds each version-flag attempt so an agent binary
// that blocks on stdin cannot hang the check.
const versionProbeTimeout = 2 * time.Second

// Prerequisite represents one executable an agent profile depends on.
type Prerequisite struct {
	Name        string // Profile name (e.g., "claude", "gemini")
	Command     string // Command to resolve, bare name or absolute path
	Description string // Human-readable description
}

// FromProfiles builds the prerequisite list for a set of agent profiles.
func FromProfiles(profiles *config.Profiles) []Prerequisite {
	var prereqs []Prerequisite
	for _, name := range profiles.Names() {
		prof, ok := profiles.Get(name)
		if !ok {
			continue
		}
		prereqs = append(prereqs, Prerequisite{
			Name:        prof.Name,
			Command:     prof.Command,
			Description: fmt.Sprintf("agent %q", prof.Name),
		})
	}
	return prereqs
}

// CheckResult contains the result of checking a prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Resolved path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that the prerequisite's command resolves to an
// executable. Bare names go through PATH; absolute and relative paths
// are checked directly.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	if strings.ContainsRune(prereq.Command, filepath.Separator) {
		info, err := os.Stat(prereq.Command)
		if err != nil {
			result.Error = fmt.Errorf("%s: %w", prereq.Command, err)
			return result
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			result.Error = fmt.Errorf("%s is not executable", prereq.Command)
			return result
		}
		result.Found = true
		result.Path = prereq.Command
	} else {
		path, err := exec.LookPath(prereq.Command)
		if err != nil {
			result.Error = fmt.Errorf("%s not found in PATH", prereq.Command)
			return result
		}
		result.Found = true
		result.Path = path
	}

	if version := getVersion(result.Path); version != "" {
		result.Version = version
	}
	return result
}

// CheckAll verifies all prerequisites and returns results.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// CheckPrerequisites verifies a single agent profile's command resolves
// to an executable. Returns the resolved path.
func CheckPrerequisites(profile config.Profile) (string, error) {
	result := Check(Prerequisite{
		Name:        profile.Name,
		Command:     profile.Command,
		Description: fmt.Sprintf("agent %q", profile.Name),
	})
	if !result.Found {
		return "", result.Error
	}
	return result.Path, nil
}

// ValidateRequired checks that every prerequisite resolves. Returns nil
// when all are found, otherwise an error describing what's missing.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s): %v",
				prereq.Command, prereq.Description, result.Error))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing agent commands:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion attempts to get the version of an executable.
func getVersion(path string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
		cmd := exec.CommandContext(ctx, path, flag)
		output, err := cmd.Output()
		cancel()
		if err == nil {
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				// Limit length to avoid overly long version strings
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}

	return ""
}

// FormatCheckResults formats check results for display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Agent commands:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			status = "✗"
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found && r.Error != nil {
			sb.WriteString(fmt.Sprintf(": %v", r.Error))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
