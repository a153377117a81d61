package recipe

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cruciblehq/uvimage/internal/project"
	"github.com/cruciblehq/uvimage/internal/settings"
)

// Stage names of the project recipe.
const (
	BuilderStage = "builder"
	RuntimeStage = "runtime"
)

// Location of the uv cache inside the builder. The host cache directory is
// mounted here and never enters a snapshot.
const UVCacheDir = "/root/.cache/uv"

// Sync commands of the builder stage. Both refuse to update the lock.
const (
	SyncDependencies = "uv sync --locked --no-install-project --no-editable"
	SyncProject      = "uv sync --locked --no-editable"
)

// Returns the two-stage recipe that packages p according to s.
//
// The builder stage installs the locked dependencies from the manifest and
// lock file alone, in a snapshot group keyed by their fingerprint, then adds
// the source tree and installs the project non-editable. The runtime stage
// creates the service account, receives the environment owned by that
// account, drops privileges and checks that the entry point resolves.
func ForProject(s *settings.Settings, p *project.Project) *Recipe {
	return &Recipe{
		Name:   p.Manifest.Name,
		Stages: []Stage{builderStage(s, p), runtimeStage(s)},
		Image:  imageConfig(s, p),
	}
}

// Returns the snapshot key of the dependency-only environment.
//
// Besides the manifest and lock, the key covers every input that changes
// what the dependency sync writes.
func DependencyKey(s *settings.Settings, p *project.Project) string {
	return p.Fingerprint(
		s.Images.Builder,
		s.Layout.Project,
		s.Layout.Venv,
		s.Build.LinkMode,
		strconv.FormatBool(s.Build.CompileBytecode),
		SyncDependencies,
	)
}

func builderStage(s *settings.Settings, p *project.Project) Stage {
	env := map[string]string{
		"UV_LINK_MODE":           s.Build.LinkMode,
		"UV_CACHE_DIR":           UVCacheDir,
		"UV_PROJECT_ENVIRONMENT": s.Layout.Venv,
		"UV_PYTHON_DOWNLOADS":    "never",
	}
	if s.Build.CompileBytecode {
		env["UV_COMPILE_BYTECODE"] = "1"
	}
	if s.Build.Unbuffered {
		env["PYTHONUNBUFFERED"] = "1"
	}

	var mounts []Mount
	if s.Build.CacheDir != "" {
		mounts = append(mounts, Mount{Source: s.Build.CacheDir, Target: UVCacheDir})
	}

	return Stage{
		Name:      BuilderStage,
		From:      s.Images.Builder,
		Transient: true,
		Mounts:    mounts,
		Steps: []Step{
			{Env: env},
			{Workdir: s.Layout.Project},
			{
				Phase:    PhaseResolve,
				Snapshot: &Snapshot{Key: DependencyKey(s, p), Path: s.Layout.Venv},
				Steps: []Step{
					{Copy: project.ManifestFile + " " + project.ManifestFile},
					{Copy: project.LockFile + " " + project.LockFile},
					{Run: SyncDependencies},
				},
			},
			{
				Phase: PhaseInstall,
				Steps: []Step{
					{Copy: ". " + s.Layout.Project},
					{Run: SyncProject},
				},
			},
		},
	}
}

func runtimeStage(s *settings.Settings) Stage {
	id := s.Identity
	owner := id.Owner()

	return Stage{
		Name: RuntimeStage,
		From: s.Images.Runtime,
		Steps: []Step{
			{
				Phase: PhaseAssemble,
				Steps: []Step{
					{Run: identityCommand(id)},
					{Run: fmt.Sprintf("install -d -o %d -g %d %s", id.UID, id.GID, s.Layout.Workdir)},
					{Copy: BuilderStage + ":" + s.Layout.Venv + " " + s.Layout.Venv, Chown: owner},
				},
			},
			{User: owner},
			{Workdir: s.Layout.Workdir},
			{
				Phase: PhaseAssemble,
				Env:   map[string]string{"PATH": s.Layout.Bin() + ":" + defaultPath},
				Run:   verifyCommand(s),
			},
		},
	}
}

// PATH of the Debian-based Python images, used while verifying inside the
// runtime stage. The exported image prepends to the base image's own PATH.
const defaultPath = "/usr/local/bin:/usr/local/sbin:/usr/sbin:/usr/bin:/sbin:/bin"

// Creates the group and the user with fixed ids, a home directory and a
// login shell.
func identityCommand(id settings.Identity) string {
	return fmt.Sprintf(
		"groupadd --gid %d %s && useradd --uid %d --gid %d --create-home --home-dir %s --shell %s %s",
		id.GID, id.Group, id.UID, id.GID, id.Home, id.Shell, id.User,
	)
}

// Fails unless the server executable is present in the environment and the
// application object can be imported from it.
func verifyCommand(s *settings.Settings) string {
	bin := s.Layout.Bin()
	e := s.Entrypoint
	probe := fmt.Sprintf(
		"import importlib, sys; m = importlib.import_module(%q); getattr(m, %q) or sys.exit(1)",
		e.Module, e.Object,
	)
	return strings.Join([]string{
		"test -x " + path.Join(bin, e.Server),
		path.Join(bin, "python") + " -c " + shellQuote(probe),
	}, " && ")
}

func imageConfig(s *settings.Settings, p *project.Project) ImageConfig {
	env := map[string]string{}
	if s.Build.Unbuffered {
		env["PYTHONUNBUFFERED"] = "1"
	}

	labels := map[string]string{
		"org.opencontainers.image.title": p.Manifest.Name,
	}
	if p.Manifest.Version != "" {
		labels["org.opencontainers.image.version"] = p.Manifest.Version
	}

	return ImageConfig{
		User:         s.Identity.Owner(),
		WorkingDir:   s.Layout.Workdir,
		Env:          env,
		PathPrepend:  []string{s.Layout.Bin()},
		ExposedPorts: []string{s.Entrypoint.ExposedPort()},
		Cmd:          s.Entrypoint.Command(),
		Labels:       labels,
	}
}

// Quotes a string for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
