package settings

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/spf13/viper"
	"go.trai.ch/zerr"
)

// Name of the optional project-level configuration file, without extension.
const FileName = "uvimage"

// Prefix of environment variable overrides.
const EnvPrefix = "UVIMAGE"

var (
	ErrLoad    = zerr.New("failed to load settings")
	ErrInvalid = zerr.New("invalid settings")
)

// Dependency materialization strategies understood by uv. Only [LinkCopy]
// and [LinkClone] produce an environment that stands on its own; the cache
// is a bind mount that never enters the image.
const (
	LinkCopy     = "copy"
	LinkHardlink = "hardlink"
	LinkSymlink  = "symlink"
	LinkClone    = "clone"
)

// All parameters of the two-stage pipeline.
type Settings struct {
	Images     Images     `mapstructure:"images"`
	Identity   Identity   `mapstructure:"identity"`
	Layout     Layout     `mapstructure:"layout"`
	Entrypoint Entrypoint `mapstructure:"entrypoint"`
	Build      Build      `mapstructure:"build"`
	Containerd Containerd `mapstructure:"containerd"`
}

// Base images of the two stages.
type Images struct {
	Builder string `mapstructure:"builder"` // Image that provides uv and the interpreter.
	Runtime string `mapstructure:"runtime"` // Minimal image the final stage starts from.
}

// Non-root account that owns the environment and runs the service.
type Identity struct {
	User  string `mapstructure:"user"`
	Group string `mapstructure:"group"`
	UID   int    `mapstructure:"uid"`
	GID   int    `mapstructure:"gid"`
	Home  string `mapstructure:"home"`
	Shell string `mapstructure:"shell"`
}

// Returns the numeric "uid:gid" pair used for exec and the image config.
func (i Identity) Owner() string {
	return strconv.Itoa(i.UID) + ":" + strconv.Itoa(i.GID)
}

// Container paths.
type Layout struct {
	Project string `mapstructure:"project"` // Builder working directory holding the source.
	Venv    string `mapstructure:"venv"`    // Materialized environment, identical in both stages.
	Workdir string `mapstructure:"workdir"` // Working directory of the running service.
}

// Returns the directory holding the environment's executables.
func (l Layout) Bin() string {
	return path.Join(l.Venv, "bin")
}

// Process started by the final image.
type Entrypoint struct {
	Server string `mapstructure:"server"` // ASGI server console script.
	Module string `mapstructure:"module"` // Module holding the application object.
	Object string `mapstructure:"object"` // Application object name.
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Reload bool   `mapstructure:"reload"` // Restart the server on file changes.
}

// Returns "module:object".
func (e Entrypoint) App() string {
	return e.Module + ":" + e.Object
}

// Returns the exposed port in OCI notation, e.g. "8000/tcp".
func (e Entrypoint) ExposedPort() string {
	return strconv.Itoa(e.Port) + "/tcp"
}

// Returns the argv of the service process.
func (e Entrypoint) Command() []string {
	cmd := []string{e.Server, e.App(), "--host", e.Host, "--port", strconv.Itoa(e.Port)}
	if e.Reload {
		cmd = append(cmd, "--reload")
	}
	return cmd
}

// Build-time parameters.
type Build struct {
	Unbuffered      bool     `mapstructure:"unbuffered"`       // Sets PYTHONUNBUFFERED.
	CompileBytecode bool     `mapstructure:"compile_bytecode"` // Sets UV_COMPILE_BYTECODE.
	LinkMode        string   `mapstructure:"link_mode"`        // Sets UV_LINK_MODE.
	CacheDir        string   `mapstructure:"cache_dir"`        // Host uv cache, mounted into the builder.
	LayerDir        string   `mapstructure:"layer_dir"`        // Host snapshot store of dependency environments.
	Output          string   `mapstructure:"output"`           // Directory for image.tar, relative to the project.
	Tag             string   `mapstructure:"tag"`              // Image reference recorded in the archive.
	Platforms       []string `mapstructure:"platforms"`        // Target platforms, host when empty.
	Ignore          []string `mapstructure:"ignore"`           // Extra source exclusion patterns.
}

// Connection to the container runtime.
type Containerd struct {
	Address     string `mapstructure:"address"`
	Namespace   string `mapstructure:"namespace"`
	Snapshotter string `mapstructure:"snapshotter"`
}

// Returns the compiled-in defaults.
func Default() *Settings {
	return &Settings{
		Images: Images{
			Builder: "ghcr.io/astral-sh/uv:python3.12-bookworm-slim",
			Runtime: "docker.io/library/python:3.12-slim-bookworm",
		},
		Identity: Identity{
			User:  "app",
			Group: "app",
			UID:   1000,
			GID:   1000,
			Home:  "/home/app",
			Shell: "/bin/bash",
		},
		Layout: Layout{
			Project: "/app",
			Venv:    "/app/.venv",
			Workdir: "/home/app/service",
		},
		Entrypoint: Entrypoint{
			Server: "uvicorn",
			Module: "main",
			Object: "app",
			Host:   "0.0.0.0",
			Port:   8000,
			Reload: true,
		},
		Build: Build{
			Unbuffered:      true,
			CompileBytecode: true,
			LinkMode:        LinkCopy,
			CacheDir:        paths.DependencyCache(),
			LayerDir:        paths.Layers(),
			Output:          "dist",
		},
		Containerd: Containerd{
			Address:     "/run/containerd/containerd.sock",
			Namespace:   "uvimage",
			Snapshotter: "overlayfs",
		},
	}
}

// Loads settings for the project in dir.
//
// When file is empty, dir/uvimage.{yaml,yml,toml,json} is used if present.
// A missing implicit file is not an error; a missing explicit file is.
func Load(dir, file string) (*Settings, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, zerr.With(fault.Wrap(ErrLoad, err), "dir", dir)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fault.Wrap(ErrLoad, err)
	}

	if s.Build.Output != "" && !filepath.IsAbs(s.Build.Output) {
		s.Build.Output = filepath.Join(dir, s.Build.Output)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Registers every leaf of d as a viper default so environment overrides
// resolve for keys absent from the config file.
func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("images.builder", d.Images.Builder)
	v.SetDefault("images.runtime", d.Images.Runtime)

	v.SetDefault("identity.user", d.Identity.User)
	v.SetDefault("identity.group", d.Identity.Group)
	v.SetDefault("identity.uid", d.Identity.UID)
	v.SetDefault("identity.gid", d.Identity.GID)
	v.SetDefault("identity.home", d.Identity.Home)
	v.SetDefault("identity.shell", d.Identity.Shell)

	v.SetDefault("layout.project", d.Layout.Project)
	v.SetDefault("layout.venv", d.Layout.Venv)
	v.SetDefault("layout.workdir", d.Layout.Workdir)

	v.SetDefault("entrypoint.server", d.Entrypoint.Server)
	v.SetDefault("entrypoint.module", d.Entrypoint.Module)
	v.SetDefault("entrypoint.object", d.Entrypoint.Object)
	v.SetDefault("entrypoint.host", d.Entrypoint.Host)
	v.SetDefault("entrypoint.port", d.Entrypoint.Port)
	v.SetDefault("entrypoint.reload", d.Entrypoint.Reload)

	v.SetDefault("build.unbuffered", d.Build.Unbuffered)
	v.SetDefault("build.compile_bytecode", d.Build.CompileBytecode)
	v.SetDefault("build.link_mode", d.Build.LinkMode)
	v.SetDefault("build.cache_dir", d.Build.CacheDir)
	v.SetDefault("build.layer_dir", d.Build.LayerDir)
	v.SetDefault("build.output", d.Build.Output)
	v.SetDefault("build.tag", d.Build.Tag)
	v.SetDefault("build.platforms", d.Build.Platforms)
	v.SetDefault("build.ignore", d.Build.Ignore)

	v.SetDefault("containerd.address", d.Containerd.Address)
	v.SetDefault("containerd.namespace", d.Containerd.Namespace)
	v.SetDefault("containerd.snapshotter", d.Containerd.Snapshotter)
}

// Checks the invariants the pipeline relies on. All problems are reported.
func (s *Settings) Validate() error {
	var errs []error
	fail := func(key string, msg string) {
		errs = append(errs, zerr.With(fault.Wrapf(ErrInvalid, "%s: %s", key, msg), "key", key))
	}

	if s.Images.Builder == "" {
		fail("images.builder", "builder image is required")
	}
	if s.Images.Runtime == "" {
		fail("images.runtime", "runtime image is required")
	}

	if s.Identity.User == "" || s.Identity.Group == "" {
		fail("identity.user", "user and group names are required")
	}
	if s.Identity.User == "root" || s.Identity.UID <= 0 || s.Identity.GID <= 0 {
		fail("identity.uid", "runtime identity must not be root")
	}
	if !path.IsAbs(s.Identity.Home) {
		fail("identity.home", "home directory must be absolute")
	}

	for key, p := range map[string]string{
		"layout.project": s.Layout.Project,
		"layout.venv":    s.Layout.Venv,
		"layout.workdir": s.Layout.Workdir,
	} {
		if !path.IsAbs(p) {
			fail(key, "container path must be absolute")
		}
	}
	if overlaps(s.Layout.Venv, s.Layout.Workdir) {
		fail("layout.workdir", "working directory must be separate from the environment path")
	}

	if s.Entrypoint.Server == "" || s.Entrypoint.Module == "" || s.Entrypoint.Object == "" {
		fail("entrypoint", "server, module and object are required")
	}
	if s.Entrypoint.Port < 1 || s.Entrypoint.Port > 65535 {
		fail("entrypoint.port", "port out of range")
	}

	switch s.Build.LinkMode {
	case LinkCopy, LinkClone:
	case LinkHardlink, LinkSymlink:
		fail("build.link_mode", s.Build.LinkMode+" links the environment to the uv cache, which is not part of the image")
	default:
		fail("build.link_mode", "unknown link mode "+strconv.Quote(s.Build.LinkMode))
	}

	return errors.Join(errs...)
}

// Reports whether a and b are the same directory or one lies below the other.
func overlaps(a, b string) bool {
	a, b = path.Clean(a), path.Clean(b)
	return a == b || strings.HasPrefix(a, strings.TrimSuffix(b, "/")+"/") || strings.HasPrefix(b, strings.TrimSuffix(a, "/")+"/")
}

// Creates the host cache directories.
func (s *Settings) EnsureCacheDirs() error {
	for _, dir := range []string{s.Build.CacheDir, s.Build.LayerDir} {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create cache directory"), "path", dir)
		}
	}
	return nil
}
