package build

import (
	"context"
	"io"

	"github.com/cruciblehq/uvimage/internal/runtime"
)

// Stage container operations used while executing steps.
//
// [runtime.Container] satisfies it.
type Container interface {
	ID() string
	ImageDigest() string
	ExecAs(ctx context.Context, user, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	Stop(ctx context.Context) error
	Destroy(ctx context.Context)
	Export(ctx context.Context, output string, cfg runtime.ImageConfig) (*runtime.ExportResult, error)
}

// Starts stage containers.
type Engine interface {
	Start(ctx context.Context, image, id, platform string, mounts []runtime.Mount) (Container, error)
}

// Starts stage containers on a containerd runtime.
type runtimeEngine struct {
	rt *runtime.Runtime
}

// Returns an [Engine] backed by rt.
func NewEngine(rt *runtime.Runtime) Engine {
	return runtimeEngine{rt: rt}
}

func (e runtimeEngine) Start(ctx context.Context, image, id, platform string, mounts []runtime.Mount) (Container, error) {
	ctr, err := e.rt.StartContainer(ctx, image, id, platform, runtime.WithMounts(mounts...))
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
