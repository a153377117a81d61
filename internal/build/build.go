package build

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Controls recipe execution.
type Options struct {
	Recipe    *recipe.Recipe    // Recipe to execute.
	Resource  string            // Resource name, used as a prefix for container IDs.
	Output    string            // Directory for the exported image.
	Root      string            // Build context, for resolving host copy sources.
	Platforms []string          // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
	Layers    *layercache.Store // Snapshot store. Nil disables snapshot reuse.
	Ignore    []string          // Exclusion patterns added to the build context's ignore file.
	Tag       string            // Reference recorded in the archive.
	Created   time.Time         // Image creation time. Zero uses the export time.
}

// Returned after successful recipe execution.
type Result struct {
	Output string  // Directory containing the exported images.
	Images []Image // One per platform, in build order.
}

// An exported image.
type Image struct {
	Platform  string
	Archive   string        // Path of the OCI archive.
	Manifest  digest.Digest // Digest of the image manifest.
	Snapshots []Snapshot    // Snapshot groups, in execution order.
}

// Outcome of a snapshot group.
type Snapshot struct {
	Key    string        // Store key, including the platform.
	Path   string        // Container path the snapshot covers.
	Reused bool          // True when restored instead of executed.
	Digest digest.Digest // Of the stored tree. Empty when reused or not stored.
	Size   int64         // Uncompressed size of the stored tree.
}

// Returns true if every snapshot group of the image was restored.
func (img Image) Reused() bool {
	if len(img.Snapshots) == 0 {
		return false
	}
	for _, s := range img.Snapshots {
		if !s.Reused {
			return false
		}
	}
	return true
}

// Executes a recipe against the container runtime.
//
// Stages are built in declaration order. Each stage starts a container from
// its base image, executes the stage's steps, and the non-transient stage is
// exported as the final image to the output directory.
func Run(ctx context.Context, rt *runtime.Runtime, opts Options) (*Result, error) {
	return Execute(ctx, NewEngine(rt), opts)
}

// Executes a recipe, starting stage containers through e.
func Execute(ctx context.Context, e Engine, opts Options) (*Result, error) {
	if err := opts.Recipe.Validate(); err != nil {
		return nil, fault.Wrap(ErrBuild, err)
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{runtime.DefaultPlatform()}
	}

	slog.Info("executing recipe",
		"resource", opts.Resource,
		"output", opts.Output,
		"stages", len(opts.Recipe.Stages),
		"platforms", opts.Platforms,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrFileSystemOperation, err)
	}

	filter, err := loadFilter(opts.Root, opts.Output, opts.Ignore)
	if err != nil {
		return nil, err
	}

	return newBuilder(e, opts, filter).build(ctx, opts.Recipe.Stages)
}
