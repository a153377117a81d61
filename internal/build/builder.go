package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"github.com/cruciblehq/uvimage/internal/runtime"
)

// Holds shared state for building all stages of a recipe.
type builder struct {
	engine     Engine        // Starts stage containers.
	opts       Options       // Build options.
	filter     *sourceFilter // Excludes build context paths from host copies.
	containers []Container   // All stage containers across all platforms, destroyed after the build completes.
}

// Creates a new [builder] from the given options.
func newBuilder(e Engine, opts Options, filter *sourceFilter) *builder {
	return &builder{
		engine: e,
		opts:   opts,
		filter: filter,
	}
}

// Builds the recipe end-to-end.
//
// Each target platform is built independently. Stages are built in declaration
// order for each platform. The non-transient stage is exported as the final
// image to the platform's output directory. All stage containers are destroyed
// when the build completes.
func (b *builder) build(ctx context.Context, stages []recipe.Stage) (*Result, error) {
	defer b.destroyContainers(ctx)

	result := &Result{Output: b.opts.Output}
	for _, platform := range b.opts.Platforms {
		img, err := b.buildPlatform(ctx, stages, platform)
		if err != nil {
			return nil, err
		}
		result.Images = append(result.Images, *img)
	}

	return result, nil
}

// Builds all stages of the recipe for a single platform.
//
// Each platform maintains its own set of named stage containers for
// cross-stage copy lookups. The output is written to a platform-specific
// subdirectory when building for multiple platforms.
func (b *builder) buildPlatform(ctx context.Context, stages []recipe.Stage, platform string) (*Image, error) {
	slog.Info("building platform", "platform", platform)

	output := b.platformOutput(platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrFileSystemOperation, err)
	}

	img := &Image{Platform: platform}
	sc := &stageContext{
		stages:   make(map[string]Container),
		root:     b.opts.Root,
		filter:   b.filter,
		layers:   b.opts.Layers,
		platform: platform,
		image:    img,
	}

	for i, stage := range stages {
		if err := b.buildStage(ctx, stage, i, output, sc); err != nil {
			return nil, fault.Wrapf(ErrBuild, "platform %s, stage %s: %w", platform, stageLabel(stage.Name, i), err)
		}
	}

	return img, nil
}

// Builds a single stage of a recipe for a specific platform.
//
// Starts a container from the stage's base image with the stage's mounts,
// executes the stage's steps, then exports the non-transient stage to the
// output directory.
func (b *builder) buildStage(ctx context.Context, stage recipe.Stage, index int, output string, sc *stageContext) error {
	label := stageLabel(stage.Name, index)
	slog.Info(fmt.Sprintf("building stage %s", label), "platform", sc.platform, "from", stage.From)

	id := b.containerID(stage.Name, index, sc.platform)
	ctr, err := b.engine.Start(ctx, stage.From, id, sc.platform, stageMounts(stage.Mounts))
	if err != nil {
		return fault.Wrap(runtime.ErrRuntime, err)
	}

	b.containers = append(b.containers, ctr)
	sc.ctr = ctr

	if err := executeSteps(ctx, sc, stage.Steps, newStepState(), ""); err != nil {
		return err
	}

	// Later stages copy from this one by name.
	if stage.Name != "" {
		sc.stages[stage.Name] = ctr
	}

	if stage.Transient {
		return nil
	}

	if err := ctr.Stop(ctx); err != nil {
		return fault.Wrap(runtime.ErrRuntime, err)
	}

	res, err := ctr.Export(ctx, output, b.imageConfig())
	if err != nil {
		return fault.Wrap(ErrAssembly, err)
	}

	sc.image.Archive = res.Path
	sc.image.Manifest = res.Manifest
	return nil
}

// Maps the recipe's image configuration onto the runtime's.
func (b *builder) imageConfig() runtime.ImageConfig {
	c := b.opts.Recipe.Image
	return runtime.ImageConfig{
		Name:         b.opts.Tag,
		User:         c.User,
		WorkingDir:   c.WorkingDir,
		Env:          c.Env,
		PathPrepend:  c.PathPrepend,
		ExposedPorts: c.ExposedPorts,
		Entrypoint:   c.Entrypoint,
		Cmd:          c.Cmd,
		Labels:       c.Labels,
		Created:      b.opts.Created,
	}
}

// Destroys all stage containers.
func (b *builder) destroyContainers(ctx context.Context) {
	for _, ctr := range b.containers {
		ctr.Destroy(ctx)
	}
}

// Returns a unique container ID for a stage, scoped to this resource and platform.
func (b *builder) containerID(name string, index int, platform string) string {
	slug := platformSlug(platform)
	if name != "" {
		return fmt.Sprintf("%s-%s-stage-%s", b.opts.Resource, slug, name)
	}
	return fmt.Sprintf("%s-%s-stage-%d", b.opts.Resource, slug, index+1)
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the existing {output}/image.tar convention. For multi-platform
// builds, each platform gets a subdirectory (e.g., {output}/linux-amd64).
func (b *builder) platformOutput(platform string) string {
	if len(b.opts.Platforms) == 1 {
		return b.opts.Output
	}
	return filepath.Join(b.opts.Output, platformSlug(platform))
}

// Converts recipe mounts to runtime bind mounts.
func stageMounts(mounts []recipe.Mount) []runtime.Mount {
	out := make([]runtime.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, runtime.Mount{Source: m.Source, Target: m.Target})
	}
	return out
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ToLower(strings.ReplaceAll(platform, "/", "-"))
}

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func stageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
