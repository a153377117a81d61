package runtime

import (
	"context"
	"io"
	"path"

	"github.com/cruciblehq/uvimage/internal/fault"
	"go.trai.ch/zerr"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to "tar xf - -C
// destDir" inside the container. Entries keep the numeric owners recorded in
// the stream, regardless of the names in the container's passwd database.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "--numeric-owner", "-C", destDir)
}

// Copies a path from the container's filesystem as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container and streaming the output to w. Numeric
// owners are preserved so the stream can be extracted elsewhere unchanged.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "--numeric-owner", "-C", path.Dir(p), path.Base(p))
}

// Reports whether p exists inside the container.
func (c *Container) Exists(ctx context.Context, p string) (bool, error) {
	code, _, err := c.execCommand(ctx, nil, nil, execOpts{}, "test", "-e", p)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Helper method that runs a command inside the container, returning an error
// that includes desc if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, execOpts{}, args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return zerr.With(fault.Wrapf(ErrRuntime, "%s failed with exit code %d (%s)", desc, exitCode, stderr), "exit_code", exitCode)
	}
	return nil
}
