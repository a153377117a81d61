package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/containerd/platforms"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"github.com/cruciblehq/uvimage/internal/settings"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrArchive   = zerr.New("invalid image archive")
	ErrViolation = zerr.New("image violates policy")
)

// Names of the checks reported in a [Violation].
const (
	RuleUser        = "user"        // Config user is the service identity, not root.
	RulePort        = "port"        // The service port is exposed.
	RuleCommand     = "command"     // Cmd starts the ASGI server.
	RulePath        = "path"        // The environment's bin directory leads PATH.
	RuleEnv         = "env"         // Required variables are set.
	RuleForbidden   = "forbidden"   // Build tooling and caches are absent from every layer.
	RuleSource      = "source"      // The project directory holds only the environment.
	RuleOwnership   = "ownership"   // The environment belongs to the service identity.
	RuleEnvironment = "environment" // The server executable is present.
)

// Expectations an image is checked against.
type Policy struct {
	UID       int
	GID       int
	Port      string            // e.g. "8000/tcp".
	Server    string            // Console script starting the server.
	Project   string            // Builder project directory.
	Venv      string            // Environment directory.
	Env       map[string]string // Variables the config must set.
	Forbidden []string          // Paths no layer may contain.
	Platform  string            // Manifest to pick from an index. Empty picks the first.
}

// Returns the policy implied by s.
func PolicyFor(s *settings.Settings) Policy {
	env := map[string]string{}
	if s.Build.Unbuffered {
		env["PYTHONUNBUFFERED"] = "1"
	}
	return Policy{
		UID:     s.Identity.UID,
		GID:     s.Identity.GID,
		Port:    s.Entrypoint.ExposedPort(),
		Server:  s.Entrypoint.Server,
		Project: s.Layout.Project,
		Venv:    s.Layout.Venv,
		Env:     env,
		Forbidden: []string{
			recipe.UVCacheDir,
			"/root/.cache",
			"/usr/local/bin/uv",
			"/usr/local/bin/uvx",
		},
	}
}

// A failed check.
type Violation struct {
	Rule   string `json:"rule" yaml:"rule"`
	Detail string `json:"detail" yaml:"detail"`
}

func (v Violation) String() string {
	return v.Rule + ": " + v.Detail
}

// Result of inspecting an archive.
type Report struct {
	Archive    string              `json:"archive" yaml:"archive"`
	Name       string              `json:"name,omitempty" yaml:"name,omitempty"`
	Manifest   digest.Digest       `json:"manifest" yaml:"manifest"`
	Platform   string              `json:"platform,omitempty" yaml:"platform,omitempty"`
	Config     ocispec.ImageConfig `json:"config" yaml:"config"`
	Layers     int                 `json:"layers" yaml:"layers"`
	Size       int64               `json:"size" yaml:"size"` // Compressed bytes of all layers.
	Files      int                 `json:"files" yaml:"files"`
	Violations []Violation         `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// Returns true if no check failed.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// Returns nil when no check failed, or one error per violation, each
// matching [ErrViolation].
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, zerr.With(fault.Wrapf(ErrViolation, "%s", v), "rule", v.Rule))
	}
	return errors.Join(errs...)
}

// Layers scanned at once.
const scanConcurrency = 4

// Reads the OCI archive at p and checks it against policy.
//
// The archive's index leads to one manifest, its config and its layers.
// Layers are decompressed and scanned concurrently, then merged in order
// with whiteouts applied. Malformed archives fail with [ErrArchive]; policy
// failures are reported in the returned [Report].
func Inspect(ctx context.Context, p string, policy Policy) (*Report, error) {
	a, err := openArchive(p)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	var index ocispec.Index
	if err := a.readMember(ocispec.ImageIndexFile, &index); err != nil {
		return nil, err
	}

	desc, name, err := selectManifest(a, index, policy.Platform)
	if err != nil {
		return nil, err
	}

	var manifest ocispec.Manifest
	if err := a.readJSON(desc.Digest, &manifest); err != nil {
		return nil, err
	}
	var img ocispec.Image
	if err := a.readJSON(manifest.Config.Digest, &img); err != nil {
		return nil, err
	}

	layers := make([][]entry, len(manifest.Layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, layer := range manifest.Layers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entries, err := scanLayer(a, layer)
			layers[i] = entries
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fs := merge(layers)

	report := &Report{
		Archive:  p,
		Name:     name,
		Manifest: desc.Digest,
		Platform: platforms.Format(img.Platform),
		Config:   img.Config,
		Layers:   len(manifest.Layers),
		Files:    len(fs),
	}
	for _, l := range manifest.Layers {
		report.Size += l.Size
	}

	report.Violations = check(policy, img.Config, layers, fs)
	return report, nil
}

// Returns the manifest descriptor to inspect and the image name recorded
// for it. Nested indexes are followed.
func selectManifest(a *archive, index ocispec.Index, platform string) (ocispec.Descriptor, string, error) {
	var matcher platforms.Matcher
	if platform != "" {
		spec, err := platforms.Parse(platform)
		if err != nil {
			return ocispec.Descriptor{}, "", fault.Wrap(ErrArchive, err)
		}
		matcher = platforms.OnlyStrict(spec)
	}

	name := ""
	for depth := 0; depth < 4; depth++ {
		var found *ocispec.Descriptor
		for i := range index.Manifests {
			d := index.Manifests[i]
			if matcher != nil && d.Platform != nil && !matcher.Match(*d.Platform) {
				continue
			}
			found = &d
			break
		}
		if found == nil {
			return ocispec.Descriptor{}, "", fault.Wrapf(ErrArchive, "no manifest for platform %q", platform)
		}
		if n := imageName(found.Annotations); n != "" {
			name = n
		}

		switch found.MediaType {
		case ocispec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
			var nested ocispec.Index
			if err := a.readJSON(found.Digest, &nested); err != nil {
				return ocispec.Descriptor{}, "", err
			}
			index = nested
		default:
			return *found, name, nil
		}
	}
	return ocispec.Descriptor{}, "", fault.Wrapf(ErrArchive, "indexes nested too deeply")
}

// Returns the image name from descriptor annotations.
func imageName(annotations map[string]string) string {
	if n := annotations["io.containerd.image.name"]; n != "" {
		return n
	}
	return annotations[ocispec.AnnotationRefName]
}

// Runs every rule. Violations are ordered by rule, then by detail.
func check(p Policy, cfg ocispec.ImageConfig, layers [][]entry, fs filesystem) []Violation {
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	uid, gid, ok := parseUser(cfg.User)
	switch {
	case !ok:
		add(RuleUser, "user %q is not numeric uid:gid", cfg.User)
	case uid == 0:
		add(RuleUser, "image runs as root")
	case uid != p.UID || (gid >= 0 && gid != p.GID):
		add(RuleUser, "user %q, want %d:%d", cfg.User, p.UID, p.GID)
	}

	if _, ok := cfg.ExposedPorts[p.Port]; !ok {
		add(RulePort, "%s is not exposed", p.Port)
	}

	argv := append(slices.Clone(cfg.Entrypoint), cfg.Cmd...)
	if len(argv) == 0 || path.Base(argv[0]) != p.Server {
		add(RuleCommand, "process %q does not start %s", strings.Join(argv, " "), p.Server)
	}

	bin := path.Join(p.Venv, "bin")
	env := envMap(cfg.Env)
	if first, _, _ := strings.Cut(env["PATH"], ":"); first != bin {
		add(RulePath, "PATH %q does not start with %s", env["PATH"], bin)
	}
	for _, k := range slices.Sorted(maps.Keys(p.Env)) {
		if env[k] != p.Env[k] {
			add(RuleEnv, "%s=%q, want %q", k, env[k], p.Env[k])
		}
	}

	for _, f := range p.Forbidden {
		for i, entries := range layers {
			if slices.ContainsFunc(entries, func(e entry) bool { return !e.whiteout() && (e.path == f || isBelow(e.path, f)) }) {
				add(RuleForbidden, "%s present in layer %d", f, i+1)
				break
			}
		}
	}

	var leaked, foreign []string
	for q, f := range fs {
		inVenv := q == p.Venv || isBelow(q, p.Venv)
		if !inVenv && isBelow(q, p.Project) && !isBelow(p.Venv, q) {
			leaked = append(leaked, q)
		}
		if inVenv && (f.uid != p.UID || f.gid != p.GID) {
			foreign = append(foreign, q)
		}
	}
	if len(leaked) > 0 {
		slices.Sort(leaked)
		add(RuleSource, "%d paths outside the environment, first %s", len(leaked), leaked[0])
	}
	if len(foreign) > 0 {
		slices.Sort(foreign)
		add(RuleOwnership, "%d environment paths not owned by %d:%d, first %s", len(foreign), p.UID, p.GID, foreign[0])
	}

	if !fs.has(p.Venv) {
		add(RuleEnvironment, "%s is missing", p.Venv)
	} else if !fs.has(path.Join(bin, p.Server)) {
		add(RuleEnvironment, "%s is missing", path.Join(bin, p.Server))
	}

	return out
}

// Parses "uid[:gid]". A missing gid is reported as -1.
func parseUser(s string) (uid, gid int, ok bool) {
	u, g, found := strings.Cut(s, ":")
	uid, err := strconv.Atoi(u)
	if err != nil {
		return 0, 0, false
	}
	if !found {
		return uid, -1, true
	}
	gid, err = strconv.Atoi(g)
	if err != nil {
		return 0, 0, false
	}
	return uid, gid, true
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
