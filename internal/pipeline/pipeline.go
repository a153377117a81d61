package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cruciblehq/uvimage/internal/build"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/project"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"github.com/cruciblehq/uvimage/internal/settings"
	"go.trai.ch/zerr"
)

var ErrPlan = zerr.New("failed to plan build")

// Environment variable fixing the image creation time, in Unix seconds.
const SourceDateEpoch = "SOURCE_DATE_EPOCH"

// Everything known about a build before any container starts.
type Plan struct {
	Settings *settings.Settings
	Project  *project.Project
	Recipe   *recipe.Recipe
	Key      string // Snapshot key of the dependency-only environment.
	Tag      string // Reference recorded in the archive.
}

// Loads the project in dir, checks its lock file against its manifest and
// derives the recipe.
//
// A missing or malformed manifest or lock, or a lock that does not match the
// manifest, fails with [build.ErrResolution]. No container is involved.
func Prepare(dir string, s *settings.Settings) (*Plan, error) {
	p, err := project.Load(dir)
	if err != nil {
		return nil, fault.Wrap(build.ErrResolution, err)
	}
	if err := p.Verify(); err != nil {
		return nil, zerr.With(fault.Wrap(build.ErrResolution, err), "dir", p.Dir)
	}

	rec := recipe.ForProject(s, p)
	if err := rec.Validate(); err != nil {
		return nil, fault.Wrap(ErrPlan, err)
	}

	tag, err := imageTag(s, p)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Settings: s,
		Project:  p,
		Recipe:   rec,
		Key:      recipe.DependencyKey(s, p),
		Tag:      tag,
	}, nil
}

// Outcome of a build.
type Result struct {
	Archive  string        // OCI archive of the first platform.
	Tag      string        // Reference recorded in the archive.
	Snapshot string        // Snapshot key of the dependency-only environment.
	Reused   bool          // True when the dependency environment was restored.
	Duration time.Duration // Wall time of the build.
	Images   []build.Image // One per platform.
}

// Builds the image described by plan, starting containers through e.
//
// The host uv cache and the snapshot store are created on first use. The
// dependency environment of an earlier build with the same key is reused.
func Execute(ctx context.Context, e build.Engine, plan *Plan) (*Result, error) {
	s := plan.Settings
	start := time.Now()

	if err := s.EnsureCacheDirs(); err != nil {
		return nil, fault.Wrap(build.ErrFileSystemOperation, err)
	}

	layers, err := layercache.New(s.Build.LayerDir)
	if err != nil {
		return nil, err
	}

	created, err := creationTime()
	if err != nil {
		return nil, err
	}

	res, err := build.Execute(ctx, e, build.Options{
		Recipe:    plan.Recipe,
		Resource:  plan.Project.Manifest.Name,
		Output:    s.Build.Output,
		Root:      plan.Project.Dir,
		Platforms: s.Build.Platforms,
		Layers:    layers,
		Ignore:    s.Build.Ignore,
		Tag:       plan.Tag,
		Created:   created,
	})
	if err != nil {
		return nil, err
	}

	first := res.Images[0]
	result := &Result{
		Archive:  first.Archive,
		Tag:      plan.Tag,
		Snapshot: plan.Key,
		Reused:   first.Reused(),
		Duration: time.Since(start),
		Images:   res.Images,
	}

	slog.Info("build complete",
		"archive", result.Archive,
		"tag", result.Tag,
		"reused", result.Reused,
		"duration", result.Duration.Round(time.Millisecond),
	)

	return result, nil
}

// Prepares and executes the build of the project in dir on rt.
func Build(ctx context.Context, rt *runtime.Runtime, dir string, s *settings.Settings) (*Result, error) {
	plan, err := Prepare(dir, s)
	if err != nil {
		return nil, err
	}
	return Execute(ctx, build.NewEngine(rt), plan)
}

// Returns the configured tag, or "<name>:<version>" from the manifest, in
// normalized form.
func imageTag(s *settings.Settings, p *project.Project) (string, error) {
	tag := s.Build.Tag
	if tag == "" {
		// Local version labels ("1.0+cpu") are not valid in a tag.
		version := strings.ReplaceAll(p.Manifest.Version, "+", "-")
		if version == "" {
			version = "latest"
		}
		tag = p.Manifest.Name + ":" + version
	}

	normalized, err := runtime.NormalizeReference(tag)
	if err != nil {
		return "", fault.Wrap(ErrPlan, err)
	}
	return normalized, nil
}

// Returns the time fixed by SOURCE_DATE_EPOCH, or zero when unset.
func creationTime() (time.Time, error) {
	raw := os.Getenv(SourceDateEpoch)
	if raw == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, zerr.With(fault.Wrap(ErrPlan, err), SourceDateEpoch, raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}
