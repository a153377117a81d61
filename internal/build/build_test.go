package build_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/cruciblehq/uvimage/internal/build"
	"github.com/cruciblehq/uvimage/internal/build/buildtest"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/project"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"github.com/cruciblehq/uvimage/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
[project]
name = "svc"
version = "1.2.0"
dependencies = ["fastapi==0.115.0"]
`

const testLock = `
version = 1
requires-python = ">=3.12"

[[package]]
name = "svc"
version = "1.2.0"
source = { editable = "." }

[package.metadata]
requires-dist = [{ name = "fastapi", specifier = "==0.115.0" }]

[[package]]
name = "fastapi"
version = "0.115.0"
source = { registry = "https://pypi.org/simple" }
`

const testPlatform = "linux/amd64"

type fixture struct {
	settings *settings.Settings
	project  *project.Project
	recipe   *recipe.Recipe
	engine   *buildtest.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		project.ManifestFile: testManifest,
		project.LockFile:     testLock,
		"main.py":            "app = object()\n",
		".venv/bin/python":   "host interpreter",
	}
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}

	p, err := project.Load(dir)
	require.NoError(t, err)

	s := settings.Default()
	s.Build.CacheDir = filepath.Join(t.TempDir(), "uv")

	f := &fixture{settings: s, project: p, recipe: recipe.ForProject(s, p), engine: buildtest.NewEngine()}
	f.engine.Handle(s.Images.Builder, f.uv(nil))
	return f
}

// Returns a handler that acts like uv in the builder. fail maps a sync
// command to the stderr it fails with.
func (f *fixture) uv(fail map[string]string) buildtest.RunFunc {
	venv := f.settings.Layout.Venv
	return func(c *buildtest.Container, r buildtest.Run) (int, string) {
		if msg, ok := fail[r.Command]; ok {
			return 1, msg
		}
		switch r.Command {
		case recipe.SyncDependencies:
			c.WriteFile(venv+"/bin/python", []byte("python"), 0, 0)
			c.WriteFile(venv+"/bin/uvicorn", []byte("uvicorn"), 0, 0)
			c.WriteFile(venv+"/lib/python3.12/site-packages/fastapi/__init__.py", nil, 0, 0)
		case recipe.SyncProject:
			c.WriteFile(venv+"/lib/python3.12/site-packages/svc.pth", []byte(f.settings.Layout.Project), 0, 0)
		}
		return 0, ""
	}
}

func (f *fixture) options(t *testing.T, layers *layercache.Store) build.Options {
	return build.Options{
		Recipe:    f.recipe,
		Resource:  "svc",
		Output:    t.TempDir(),
		Root:      f.project.Dir,
		Platforms: []string{testPlatform},
		Layers:    layers,
		Tag:       "svc:1.2.0",
	}
}

func commands(c *buildtest.Container) []string {
	var out []string
	for _, r := range c.Runs() {
		out = append(out, r.Command)
	}
	return out
}

func TestExecuteTwoStage(t *testing.T) {
	f := newFixture(t)

	res, err := build.Execute(context.Background(), f.engine, f.options(t, nil))
	require.NoError(t, err)
	require.Len(t, res.Images, 1)

	img := res.Images[0]
	assert.Equal(t, testPlatform, img.Platform)
	assert.FileExists(t, img.Archive)
	assert.NotEmpty(t, img.Manifest)

	builder := f.engine.Last(f.settings.Images.Builder)
	runtime := f.engine.Last(f.settings.Images.Runtime)
	require.NotNil(t, builder)
	require.NotNil(t, runtime)

	t.Run("builder", func(t *testing.T) {
		assert.Equal(t, []string{recipe.SyncDependencies, recipe.SyncProject}, commands(builder))
		assert.Equal(t, recipe.UVCacheDir, builder.Mounts()[0].Target)
		assert.Equal(t, f.settings.Build.CacheDir, builder.Mounts()[0].Source)

		env := builder.Runs()[0].Env
		assert.Contains(t, env, "UV_LINK_MODE=copy")
		assert.Contains(t, env, "UV_COMPILE_BYTECODE=1")
		assert.Contains(t, env, "PYTHONUNBUFFERED=1")
		assert.Contains(t, env, "UV_CACHE_DIR="+recipe.UVCacheDir)
		assert.True(t, slices.IsSorted(env))

		assert.NotNil(t, builder.Lookup("/app/main.py"))
		assert.Equal(t, "python", string(builder.Lookup("/app/.venv/bin/python").Data),
			"the host environment must not reach the builder")
		assert.Nil(t, builder.Exported())
	})

	t.Run("runtime", func(t *testing.T) {
		for _, p := range runtime.Tree("/app/.venv") {
			file := runtime.Lookup(p)
			assert.Equal(t, 1000, file.UID, p)
			assert.Equal(t, 1000, file.GID, p)
		}
		assert.NotNil(t, runtime.Lookup("/app/.venv/lib/python3.12/site-packages/svc.pth"))
		assert.Nil(t, runtime.Lookup("/app/main.py"), "only the environment crosses stages")
		assert.Nil(t, runtime.Lookup(recipe.UVCacheDir))

		runs := runtime.Runs()
		require.Len(t, runs, 3)
		assert.Contains(t, runs[0].Command, "useradd --uid 1000 --gid 1000")
		assert.Empty(t, runs[0].User)
		assert.Equal(t, "1000:1000", runs[2].User)
		assert.Equal(t, f.settings.Layout.Workdir, runs[2].Workdir)

		cfg := runtime.Exported()
		require.NotNil(t, cfg)
		assert.True(t, runtime.Stopped())
		assert.Equal(t, "svc:1.2.0", cfg.Name)
		assert.Equal(t, "1000:1000", cfg.User)
		assert.Equal(t, []string{"8000/tcp"}, cfg.ExposedPorts)
		assert.Equal(t, []string{"/app/.venv/bin"}, cfg.PathPrepend)
		assert.Equal(t, []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000", "--reload"}, cfg.Cmd)
		assert.Equal(t, "svc", cfg.Labels["org.opencontainers.image.title"])
	})

	for _, c := range f.engine.Containers() {
		assert.True(t, c.Destroyed(), c.ID())
		assert.True(t, strings.HasPrefix(c.ID(), "svc-linux-amd64-stage-"), c.ID())
	}
}

func TestExecuteReusesDependencySnapshot(t *testing.T) {
	f := newFixture(t)
	layers, err := layercache.New(t.TempDir())
	require.NoError(t, err)

	first, err := build.Execute(context.Background(), f.engine, f.options(t, layers))
	require.NoError(t, err)
	require.Len(t, first.Images[0].Snapshots, 1)

	stored := first.Images[0].Snapshots[0]
	assert.False(t, stored.Reused)
	assert.NotEmpty(t, stored.Digest)
	assert.Equal(t, f.settings.Layout.Venv, stored.Path)
	assert.True(t, layers.Has(stored.Key))

	again := buildtest.NewEngine()
	again.Handle(f.settings.Images.Builder, f.uv(nil))

	second, err := build.Execute(context.Background(), again, f.options(t, layers))
	require.NoError(t, err)

	img := second.Images[0]
	assert.True(t, img.Reused())
	assert.Equal(t, stored.Key, img.Snapshots[0].Key)

	builder := again.Last(f.settings.Images.Builder)
	assert.Equal(t, []string{recipe.SyncProject}, commands(builder), "dependency sync skipped")

	runtime := again.Last(f.settings.Images.Runtime)
	assert.NotNil(t, runtime.Lookup("/app/.venv/lib/python3.12/site-packages/fastapi/__init__.py"))
	assert.NotNil(t, runtime.Lookup("/app/.venv/lib/python3.12/site-packages/svc.pth"))
}

func TestExecuteSnapshotKeyFollowsLock(t *testing.T) {
	f := newFixture(t)
	layers, err := layercache.New(t.TempDir())
	require.NoError(t, err)

	_, err = build.Execute(context.Background(), f.engine, f.options(t, layers))
	require.NoError(t, err)

	changed := strings.Replace(testLock, `requires-python = ">=3.12"`, `requires-python = ">=3.11"`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(f.project.Dir, project.LockFile), []byte(changed), 0o644))
	p, err := project.Load(f.project.Dir)
	require.NoError(t, err)
	f.recipe = recipe.ForProject(f.settings, p)

	again := buildtest.NewEngine()
	again.Handle(f.settings.Images.Builder, f.uv(nil))
	res, err := build.Execute(context.Background(), again, f.options(t, layers))
	require.NoError(t, err)

	assert.False(t, res.Images[0].Snapshots[0].Reused)
	assert.Contains(t, commands(again.Last(f.settings.Images.Builder)), recipe.SyncDependencies)
}

func TestExecuteSnapshotKeyFollowsBuilderDigest(t *testing.T) {
	f := newFixture(t)
	layers, err := layercache.New(t.TempDir())
	require.NoError(t, err)

	builder := f.settings.Images.Builder
	f.engine.SetDigest(builder, "sha256:1111111111111111111111111111111111111111111111111111111111111111")
	first, err := build.Execute(context.Background(), f.engine, f.options(t, layers))
	require.NoError(t, err)
	assert.False(t, first.Images[0].Snapshots[0].Reused)

	repushed := buildtest.NewEngine()
	repushed.Handle(builder, f.uv(nil))
	repushed.SetDigest(builder, "sha256:2222222222222222222222222222222222222222222222222222222222222222")
	second, err := build.Execute(context.Background(), repushed, f.options(t, layers))
	require.NoError(t, err)
	assert.False(t, second.Images[0].Snapshots[0].Reused)
	assert.NotEqual(t, first.Images[0].Snapshots[0].Key, second.Images[0].Snapshots[0].Key)
	assert.Contains(t, commands(repushed.Last(builder)), recipe.SyncDependencies)

	same := buildtest.NewEngine()
	same.Handle(builder, f.uv(nil))
	same.SetDigest(builder, "sha256:1111111111111111111111111111111111111111111111111111111111111111")
	third, err := build.Execute(context.Background(), same, f.options(t, layers))
	require.NoError(t, err)
	assert.True(t, third.Images[0].Reused())
}

func TestExecuteFailureClasses(t *testing.T) {
	tests := []struct {
		name         string
		fail         map[string]string
		runtimeFails string
		class        error
		runtimeBuilt bool
	}{
		{
			name:  "resolution",
			fail:  map[string]string{recipe.SyncDependencies: "The lockfile needs to be updated"},
			class: build.ErrResolution,
		},
		{
			name:  "install",
			fail:  map[string]string{recipe.SyncProject: "Failed to build svc"},
			class: build.ErrInstall,
		},
		{
			name:         "assembly",
			runtimeFails: "groupadd",
			class:        build.ErrAssembly,
			runtimeBuilt: true,
		},
		{
			name:         "entry point",
			runtimeFails: "test -x",
			class:        build.ErrAssembly,
			runtimeBuilt: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.Handle(f.settings.Images.Builder, f.uv(tt.fail))
			if tt.runtimeFails != "" {
				f.engine.Handle(f.settings.Images.Runtime, func(_ *buildtest.Container, r buildtest.Run) (int, string) {
					if strings.HasPrefix(r.Command, tt.runtimeFails) {
						return 1, "denied"
					}
					return 0, ""
				})
			}

			_, err := build.Execute(context.Background(), f.engine, f.options(t, nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.class)
			assert.ErrorIs(t, err, build.ErrBuild)
			assert.ErrorIs(t, err, build.ErrCommandFailed)

			assert.Equal(t, tt.runtimeBuilt, f.engine.Last(f.settings.Images.Runtime) != nil)
			for _, c := range f.engine.Containers() {
				assert.True(t, c.Destroyed(), c.ID())
			}
		})
	}
}

func TestExecuteMissingEnvironment(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(f.settings.Images.Builder, nil)

	_, err := build.Execute(context.Background(), f.engine, f.options(t, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, build.ErrAssembly)
	assert.ErrorIs(t, err, build.ErrCopy)
	assert.Contains(t, err.Error(), "/app/.venv")
}

func TestExecuteInvalidRecipe(t *testing.T) {
	f := newFixture(t)
	f.recipe.Stages[1].Transient = true

	_, err := build.Execute(context.Background(), f.engine, f.options(t, nil))
	assert.ErrorIs(t, err, build.ErrBuild)
	assert.ErrorIs(t, err, recipe.ErrInvalid)
	assert.Empty(t, f.engine.Containers())
}

func TestExecuteMultiPlatform(t *testing.T) {
	f := newFixture(t)
	opts := f.options(t, nil)
	opts.Platforms = []string{"linux/amd64", "linux/arm64"}

	res, err := build.Execute(context.Background(), f.engine, opts)
	require.NoError(t, err)
	require.Len(t, res.Images, 2)

	assert.Equal(t, filepath.Join(opts.Output, "linux-amd64", "image.tar"), res.Images[0].Archive)
	assert.Equal(t, filepath.Join(opts.Output, "linux-arm64", "image.tar"), res.Images[1].Archive)
	assert.Len(t, f.engine.Containers(), 4)
}
