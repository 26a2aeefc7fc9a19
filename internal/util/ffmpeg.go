package util

import "os/exec"

// ResolveCommandPath returns the path to a capture binary.
// If customPath is set, it validates the path exists and is executable.
// Otherwise, it searches for fallback in the system PATH.
// Returns an empty string if the binary is not found.
func ResolveCommandPath(customPath, fallback string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}
	path, err := exec.LookPath(fallback)
	if err != nil {
		return ""
	}
	return path
}
