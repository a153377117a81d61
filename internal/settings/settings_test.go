package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "app", s.Identity.User)
	assert.Equal(t, 1000, s.Identity.UID)
	assert.Equal(t, 1000, s.Identity.GID)
	assert.Equal(t, "1000:1000", s.Identity.Owner())
	assert.Equal(t, "/app/.venv/bin", s.Layout.Bin())
	assert.Equal(t, 8000, s.Entrypoint.Port)
	assert.True(t, s.Entrypoint.Reload)
	assert.Equal(t, "overlayfs", s.Containerd.Snapshotter)
	assert.Equal(t, LinkCopy, s.Build.LinkMode)
	assert.Equal(t, filepath.Join(dir, "dist"), s.Build.Output)
}

func TestLoadProjectFile(t *testing.T) {
	dir := t.TempDir()
	cfg := []byte(`
entrypoint:
  module: service.main
  reload: false
identity:
  uid: 1500
  gid: 1500
build:
  output: /tmp/out
  ignore:
    - "*.md"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uvimage.yaml"), cfg, 0o644))

	s, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "service.main:app", s.Entrypoint.App())
	assert.False(t, s.Entrypoint.Reload)
	assert.Equal(t, "1500:1500", s.Identity.Owner())
	assert.Equal(t, "/tmp/out", s.Build.Output)
	assert.Equal(t, []string{"*.md"}, s.Build.Ignore)
	assert.Equal(t, "app", s.Identity.User, "unset keys keep their defaults")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("UVIMAGE_ENTRYPOINT_PORT", "9000")
	t.Setenv("UVIMAGE_ENTRYPOINT_RELOAD", "false")

	s, err := Load(t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, 9000, s.Entrypoint.Port)
	assert.False(t, s.Entrypoint.Reload)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, filepath.Join(dir, "nope.yaml"))
	require.ErrorIs(t, err, ErrLoad)
}

func TestEntrypointCommand(t *testing.T) {
	e := Default().Entrypoint
	assert.Equal(t,
		[]string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000", "--reload"},
		e.Command(),
	)
	assert.Equal(t, "8000/tcp", e.ExposedPort())

	e.Reload = false
	assert.NotContains(t, e.Command(), "--reload")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"root uid", func(s *Settings) { s.Identity.UID = 0 }},
		{"root gid", func(s *Settings) { s.Identity.GID = 0 }},
		{"root user name", func(s *Settings) { s.Identity.User = "root" }},
		{"venv equals workdir", func(s *Settings) { s.Layout.Workdir = "/app/.venv/" }},
		{"relative venv", func(s *Settings) { s.Layout.Venv = ".venv" }},
		{"port zero", func(s *Settings) { s.Entrypoint.Port = 0 }},
		{"port too large", func(s *Settings) { s.Entrypoint.Port = 70000 }},
		{"workdir inside venv", func(s *Settings) { s.Layout.Workdir = "/app/.venv/srv" }},
		{"venv inside workdir", func(s *Settings) { s.Layout.Venv = "/home/app/service/.venv" }},
		{"symlink mode", func(s *Settings) { s.Build.LinkMode = LinkSymlink }},
		{"hardlink mode", func(s *Settings) { s.Build.LinkMode = LinkHardlink }},
		{"unknown link mode", func(s *Settings) { s.Build.LinkMode = "reflink" }},
		{"missing builder image", func(s *Settings) { s.Images.Builder = "" }},
		{"missing application object", func(s *Settings) { s.Entrypoint.Object = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"clone mode", func(s *Settings) { s.Build.LinkMode = LinkClone }},
		{"sibling with shared prefix", func(s *Settings) { s.Layout.Workdir = "/app/.venv-service" }},
		{"workdir at root of project", func(s *Settings) { s.Layout.Workdir = "/srv" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			assert.NoError(t, s.Validate())
		})
	}
}

func TestValidateLinkModeKey(t *testing.T) {
	s := Default()
	s.Build.LinkMode = LinkSymlink

	err := s.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "build.link_mode")
}

func TestEnsureCacheDirs(t *testing.T) {
	root := t.TempDir()
	s := Default()
	s.Build.CacheDir = filepath.Join(root, "uv")
	s.Build.LayerDir = filepath.Join(root, "layers")

	require.NoError(t, s.EnsureCacheDirs())
	assert.DirExists(t, s.Build.CacheDir)
	assert.DirExists(t, s.Build.LayerDir)
}
