package build

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"go.trai.ch/zerr"
)

// Name of the ignore file read from the build context root.
const IgnoreFile = ".dockerignore"

// Build context paths never sent to a stage. A local environment or bytecode
// cache would otherwise shadow what the builder installs.
var defaultExcludes = []string{
	".venv",
	".git",
	"**/__pycache__",
	"**/*.pyc",
}

// Decides which build context paths host copies skip.
type sourceFilter struct {
	root string
	pm   *patternmatcher.PatternMatcher
}

// Returns the filter for the build context at root.
//
// Patterns are the default exclusions, then the ignore file, then extra.
// The output directory is excluded when it lies inside root. Patterns are
// relative to root, with the ignore file's semantics, so a later "!pattern"
// re-includes paths excluded earlier.
func loadFilter(root, output string, extra []string) (*sourceFilter, error) {
	patterns := append([]string(nil), defaultExcludes...)

	if rel, ok := within(root, output); ok && rel != "." {
		patterns = append(patterns, filepath.ToSlash(rel))
	}

	f, err := os.Open(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		read, err := ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, zerr.With(fault.Wrap(ErrCopy, err), "file", IgnoreFile)
		}
		patterns = append(patterns, read...)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, zerr.With(fault.Wrap(ErrCopy, err), "file", IgnoreFile)
	}

	patterns = append(patterns, extra...)

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fault.Wrap(ErrCopy, err)
	}

	return &sourceFilter{root: root, pm: pm}, nil
}

// Reports whether the host path p is excluded. Paths outside the build
// context are never excluded.
func (f *sourceFilter) excludes(p string) (bool, error) {
	if f == nil {
		return false, nil
	}
	rel, ok := within(f.root, p)
	if !ok || rel == "." {
		return false, nil
	}
	return f.pm.MatchesOrParentMatches(filepath.ToSlash(rel))
}

// Reports whether any pattern re-includes paths. Excluded directories must
// then still be walked.
func (f *sourceFilter) hasExceptions() bool {
	return f != nil && f.pm.Exclusions()
}

// Returns p relative to root, and false when p lies outside root.
func within(root, p string) (string, bool) {
	if root == "" || p == "" {
		return "", false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
