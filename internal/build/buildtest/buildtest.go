// Package buildtest provides an in-memory [build.Engine] for tests.
//
// Containers keep their filesystem in a map keyed by absolute path. Copies
// move real tar streams, so ownership and naming behave as they would in a
// stage container. Run steps are recorded and answered by a handler
// registered for the container's base image.
//
//	e := buildtest.NewEngine()
//	e.Handle("builder:latest", func(c *buildtest.Container, r buildtest.Run) (int, string) {
//	    c.WriteFile("/app/.venv/bin/python", nil, 0, 0)
//	    return 0, ""
//	})
//	res, err := build.Execute(ctx, e, opts)
package buildtest

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cruciblehq/uvimage/internal/build"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// A run step as seen by a container.
type Run struct {
	User    string
	Shell   string
	Command string
	Workdir string
	Env     []string
}

// Answers a run step with an exit code and stderr.
type RunFunc func(c *Container, r Run) (int, string)

// An in-memory engine.
type Engine struct {
	mu         sync.Mutex
	handlers   map[string]RunFunc
	digests    map[string]string
	containers []*Container

	// Returned by Start when set.
	StartErr error
}

// Returns an engine whose containers accept every command.
func NewEngine() *Engine {
	return &Engine{handlers: make(map[string]RunFunc), digests: make(map[string]string)}
}

// Sets the digest reported by containers started from image.
func (e *Engine) SetDigest(image, digest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.digests[image] = digest
}

// Registers fn for containers started from image.
func (e *Engine) Handle(image string, fn RunFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[image] = fn
}

func (e *Engine) Start(_ context.Context, image, id, platform string, mounts []runtime.Mount) (build.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.StartErr != nil {
		return nil, e.StartErr
	}

	c := &Container{
		id:       id,
		image:    image,
		digest:   e.digests[image],
		platform: platform,
		mounts:   mounts,
		handler:  e.handlers[image],
		files:    map[string]*File{"/": {Dir: true, Mode: 0o755}},
	}
	e.containers = append(e.containers, c)
	return c, nil
}

// Returns the started containers in start order.
func (e *Engine) Containers() []*Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.containers)
}

// Returns the last container started from image, or nil.
func (e *Engine) Last(image string) *Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.containers) - 1; i >= 0; i-- {
		if e.containers[i].image == image {
			return e.containers[i]
		}
	}
	return nil
}

// A filesystem entry.
type File struct {
	Dir  bool
	Data []byte
	Mode int64
	UID  int
	GID  int
	Link string // Symlink target.
}

// An in-memory stage container.
type Container struct {
	mu       sync.Mutex
	id       string
	image    string
	digest   string
	platform string
	mounts   []runtime.Mount
	handler  RunFunc
	files    map[string]*File
	runs     []Run
	exported *runtime.ImageConfig

	stopped   bool
	destroyed bool
}

func (c *Container) ID() string { return c.id }

func (c *Container) ImageDigest() string { return c.digest }

// Returns the base image.
func (c *Container) Image() string { return c.image }

// Returns the target platform.
func (c *Container) Platform() string { return c.platform }

// Returns the bind mounts the container was started with.
func (c *Container) Mounts() []runtime.Mount { return c.mounts }

// Returns the recorded run steps.
func (c *Container) Runs() []Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.runs)
}

// Returns the image configuration passed to Export, or nil.
func (c *Container) Exported() *runtime.ImageConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exported
}

// Reports whether Stop was called.
func (c *Container) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Reports whether Destroy was called.
func (c *Container) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Returns the entry at p, or nil.
func (c *Container) Lookup(p string) *File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[path.Clean(p)]
}

// Returns the sorted paths at or below p.
func (c *Container) Tree(p string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree(path.Clean(p))
}

// Creates a regular file, including parent directories.
func (c *Container) WriteFile(p string, data []byte, uid, gid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = path.Clean(p)
	c.mkdirAll(path.Dir(p))
	c.files[p] = &File{Data: data, Mode: 0o644, UID: uid, GID: gid}
}

func (c *Container) ExecAs(_ context.Context, user, shell, command string, env []string, workdir string) (*runtime.ExecResult, error) {
	r := Run{User: user, Shell: shell, Command: command, Workdir: workdir, Env: env}

	c.mu.Lock()
	c.runs = append(c.runs, r)
	handler := c.handler
	c.mu.Unlock()

	if target, ok := strings.CutPrefix(command, "rm -rf "); ok {
		c.remove(strings.Trim(target, "'"))
		return &runtime.ExecResult{}, nil
	}

	if handler == nil {
		return &runtime.ExecResult{}, nil
	}
	code, stderr := handler(c, r)
	return &runtime.ExecResult{ExitCode: code, Stderr: stderr}, nil
}

func (c *Container) MkdirAll(_ context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mkdirAll(path.Clean(dir))
	return nil
}

// Extracts a tar stream below destDir.
func (c *Container) CopyTo(_ context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			_, err = io.Copy(io.Discard, r)
			return err
		}
		if err != nil {
			return err
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}

		p := path.Join(destDir, h.Name)
		f := &File{Mode: h.Mode, UID: h.Uid, GID: h.Gid}
		switch h.Typeflag {
		case tar.TypeDir:
			f.Dir = true
		case tar.TypeSymlink:
			f.Link = h.Linkname
		default:
			f.Data = data
		}

		c.mu.Lock()
		c.mkdirAll(path.Dir(p))
		c.files[p] = f
		c.mu.Unlock()
	}
}

// Archives p with names relative to its parent directory.
func (c *Container) CopyFrom(_ context.Context, w io.Writer, p string) error {
	p = path.Clean(p)

	c.mu.Lock()
	paths := c.tree(p)
	entries := make([]*File, len(paths))
	for i, name := range paths {
		entries[i] = c.files[name]
	}
	c.mu.Unlock()

	if len(paths) == 0 {
		return fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}

	tw := tar.NewWriter(w)
	parent := path.Dir(p)
	for i, name := range paths {
		f := entries[i]
		rel := strings.TrimPrefix(strings.TrimPrefix(name, parent), "/")
		h := &tar.Header{Name: rel, Mode: f.Mode, Uid: f.UID, Gid: f.GID}
		switch {
		case f.Dir:
			h.Typeflag = tar.TypeDir
			h.Name += "/"
		case f.Link != "":
			h.Typeflag = tar.TypeSymlink
			h.Linkname = f.Link
		default:
			h.Typeflag = tar.TypeReg
			h.Size = int64(len(f.Data))
		}
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write(f.Data); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

func (c *Container) Exists(_ context.Context, p string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[path.Clean(p)]
	return ok, nil
}

func (c *Container) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *Container) Destroy(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

// Records cfg and writes a placeholder archive.
func (c *Container) Export(_ context.Context, output string, cfg runtime.ImageConfig) (*runtime.ExportResult, error) {
	c.mu.Lock()
	c.exported = &cfg
	c.mu.Unlock()

	archive := filepath.Join(output, runtime.ExportFilename)
	if err := os.WriteFile(archive, []byte(c.id), 0o644); err != nil {
		return nil, err
	}
	return &runtime.ExportResult{
		Path:     archive,
		Manifest: digest.FromString(c.id),
	}, nil
}

func (c *Container) mkdirAll(dir string) {
	for d := dir; ; d = path.Dir(d) {
		if _, ok := c.files[d]; !ok {
			c.files[d] = &File{Dir: true, Mode: 0o755}
		}
		if d == "/" || d == "." {
			return
		}
	}
}

func (c *Container) remove(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.tree(path.Clean(p)) {
		delete(c.files, name)
	}
}

func (c *Container) tree(p string) []string {
	var out []string
	for name := range c.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
