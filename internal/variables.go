package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for logging prefixes, XDG subdirectories and the
	// containerd namespace default.
	Name = "uvimage"

	// Placeholder for variables that were not injected at link time.
	defaultUndefined = "(undefined)"

	// Version string reported by binaries built outside the release pipeline.
	defaultLocalBuild = "(local)"

	// Branch whose builds omit the stage suffix in version strings.
	mainBranch = "main"
)

// Set via -ldflags "-X github.com/cruciblehq/uvimage/internal.<name>=<value>".
var (
	version   = "" // Release version (e.g., "0.4.0").
	stage     = "" // Git branch the binary was built from (e.g., "main").
	gitCommit = "" // Abbreviated commit hash.

	rawQuiet   = "false" // Default for quiet mode.
	rawDebug   = "false" // Default for debug mode.
	rawVerbose = "false" // Default for verbose logging.
)

// Returns the release version without any "v" prefix, or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the binary was built from, or "(undefined)".
func Stage() string {
	s := strings.ToLower(strings.TrimSpace(stage))
	if s == "" {
		return defaultUndefined
	}
	return s
}

// Returns the commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns true unless version, stage and commit were all injected.
func IsLocal() bool {
	for _, v := range []string{version, stage, gitCommit} {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

// Returns "<version>[+<stage>] <commit> [<arch>]", or "(local)" for
// development builds. The stage suffix is omitted for main.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	suffix := ""
	if s := Stage(); s != mainBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), runtime.GOARCH)
}
