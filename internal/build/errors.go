package build

import (
	"errors"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"go.trai.ch/zerr"
)

var (
	ErrBuild               = zerr.New("build failed")
	ErrFileSystemOperation = zerr.New("file system operation failed")
	ErrCopy                = zerr.New("copy failed")
	ErrCommandFailed       = zerr.New("command failed")
)

// Failure classes of a project build. A failed step inside a phase group
// matches the class of that phase under errors.Is.
var (
	ErrResolution = zerr.New("dependency resolution failed")
	ErrInstall    = zerr.New("project installation failed")
	ErrAssembly   = zerr.New("image assembly failed")
)

// Returns the failure class of phase, or nil outside any phase.
func phaseError(phase recipe.Phase) error {
	switch phase {
	case recipe.PhaseResolve:
		return ErrResolution
	case recipe.PhaseInstall:
		return ErrInstall
	case recipe.PhaseAssemble:
		return ErrAssembly
	}
	return nil
}

// Classifies err under the failure class of phase.
func classify(phase recipe.Phase, err error) error {
	if err == nil {
		return nil
	}
	class := phaseError(phase)
	if class == nil || errors.Is(err, class) {
		return err
	}
	return fault.Wrap(class, err)
}

// Names of the failure classes, as reported to daemon clients.
var classNames = []struct {
	name string
	err  error
}{
	{"resolution", ErrResolution},
	{"install", ErrInstall},
	{"assembly", ErrAssembly},
}

// Returns the name of the first failure class err matches, or "".
func ClassOf(err error) string {
	for _, c := range classNames {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return ""
}

// Returns the failure class called name, or nil.
func ClassNamed(name string) error {
	for _, c := range classNames {
		if c.name == name {
			return c.err
		}
	}
	return nil
}
