package docker

import (
	"regexp"
	"strings"
)

// Engine-specific failure fingerprints. podman-docker serves the same API
// surface as dockerd but leaks its own plumbing into error bodies; these
// regexes encode that knowledge so upper layers never see it.
var (
	nameInUseRe = regexp.MustCompile(`(?i)already in use`)

	// A container whose conmon died (or whose exit file is gone) inspects
	// with exit code -1 or fails with libpod internals in the message.
	brokenContainerRe = regexp.MustCompile(`(?i)conmon|libpod|exit file`)

	noiseLineRe = regexp.MustCompile(`(?i)^emulate docker cli`)
)

// brokenInspectExitCode is the inspect exit code of a container the engine
// can no longer account for.
const brokenInspectExitCode = -1

// IsNameInUse reports whether msg describes a create/run collision on the
// given container name. Callers may remove-and-retry once.
func IsNameInUse(msg, name string) bool {
	return nameInUseRe.MatchString(msg) && strings.Contains(msg, name)
}

// IsBrokenContainer reports whether msg (or an inspect exit code) marks a
// container that needs engine-level cleanup before it can be removed.
func IsBrokenContainer(msg string, inspectExitCode int) bool {
	if inspectExitCode == brokenInspectExitCode {
		return true
	}
	return brokenContainerRe.MatchString(msg)
}

// LastNonEmptyLine returns the last non-empty line of out, skipping noise
// lines some engines print before real output ("Emulate Docker CLI using
// podman..."). Use it whenever a scalar value is parsed from engine or
// in-container script output.
func LastNonEmptyLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || noiseLineRe.MatchString(line) {
			continue
		}
		return line
	}
	return ""
}
