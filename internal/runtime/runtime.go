package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/distribution/reference"
	"go.trai.ch/zerr"
)

const (

	// Snapshotter used when none is configured.
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for container filesystems.
}

// Configures a [Runtime].
type Option func(*Runtime)

// Selects the snapshotter for unpacked images and container filesystems.
// fuse-overlayfs allows running without mount(2) privileges.
func WithSnapshotter(name string) Option {
	return func(rt *Runtime) {
		if name != "" {
			rt.snapshotter = name
		}
	}
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string, opts ...Option) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "address", address)
	}

	rt := &Runtime{client: client, snapshotter: DefaultSnapshotter}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Makes a base image available and starts a build container from it.
//
// The source is either a path to an OCI archive or a registry reference.
// Archives are imported and tagged with a deterministic name derived from
// the path; references are pulled. The layers for the target platform are
// unpacked, a container is created with a fresh snapshot, and a
// long-running task (sleep infinity) is started so that subsequent Exec
// calls have a running process to attach to. Any existing container with
// the same ID is removed first. Building for a platform other than the host
// requires QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) StartContainer(ctx context.Context, source, id, platform string, opts ...ContainerOpt) (*Container, error) {
	tag, err := rt.EnsureImage(ctx, source, platform)
	if err != nil {
		return nil, err
	}

	cfg := containerConfig{args: keepAlive}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := rt.startContainer(ctx, tag, id, platform, cfg)
	if err != nil {
		return nil, err
	}

	slog.Debug("container started", "id", id, "image", tag, "mounts", len(cfg.mounts))
	return c, nil
}

// Creates the container and starts its task.
func (rt *Runtime) startContainer(ctx context.Context, tag, id, platform string, cfg containerConfig) (*Container, error) {
	c := rt.handle(id, platform)

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fault.Wrap(ErrRuntime, err)
	}

	c.digest = image.Target().Digest.String()

	ctr, err := c.create(ctx, image, cfg)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "id", id)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "id", id)
	}

	return c, nil
}

// Makes source available for platform and returns its local image name.
//
// Sources naming an existing file are imported as OCI archives; anything
// else is treated as a registry reference and pulled.
func (rt *Runtime) EnsureImage(ctx context.Context, source, platform string) (string, error) {
	if isArchive(source) {
		tag := imageTag(source)
		if err := rt.ImportImage(ctx, source, tag, platform); err != nil {
			return "", err
		}
		return tag, nil
	}
	return rt.pullImage(ctx, source, platform)
}

// Imports an OCI archive, tags it under the given name, and unpacks it for
// the target platform.
func (rt *Runtime) ImportImage(ctx context.Context, path, tag, platform string) error {
	imported, err := rt.importArchive(ctx, path)
	if err != nil {
		return zerr.With(fault.Wrap(ErrRuntime, err), "archive", path)
	}

	if err := rt.tagImage(ctx, imported, tag); err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return zerr.With(fault.Wrap(ErrRuntime, err), "platform", platform)
	}

	slog.Debug("image imported", "archive", path, "tag", tag)
	return nil
}

// Pulls a registry reference and unpacks it for the target platform.
//
// Short names are expanded the way docker does ("python:3.12" becomes
// "docker.io/library/python:3.12").
func (rt *Runtime) pullImage(ctx context.Context, ref, platform string) (string, error) {
	named, err := NormalizeReference(ref)
	if err != nil {
		return "", err
	}

	slog.Info("pulling image", "ref", named, "platform", platform)

	img, err := rt.client.Pull(ctx, named,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		return "", zerr.With(fault.Wrap(ErrRuntime, err), "ref", named)
	}

	return img.Name(), nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per image in index.json. Platform selection happens later,
	// so a multi-platform image is still a single record.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Removes an image and all containers created from it.
//
// Containers are discovered by querying containerd for records whose image
// field matches the tag. Each container's task is killed before the container
// and its snapshot are deleted.
func (rt *Runtime) DestroyImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if task, taskErr := ctr.Task(ctx, nil); taskErr == nil {
			task.Kill(ctx, syscall.SIGKILL)
			task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			return fault.Wrap(ErrRuntime, err)
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return fault.Wrap(ErrRuntime, err)
	}

	slog.Debug("image destroyed", "tag", tag)
	return nil
}

// Returns a handle for an existing container.
//
// The container is not loaded or verified; the handle is a lightweight
// reference that resolves the container lazily on subsequent calls.
func (rt *Runtime) Container(id string) *Container {
	return rt.handle(id, DefaultPlatform())
}

func (rt *Runtime) handle(id, platform string) *Container {
	return &Container{
		client:      rt.client,
		id:          id,
		platform:    platform,
		snapshotter: rt.snapshotter,
	}
}

// Returns the fully qualified form of an image reference. References
// without a tag or digest get ":latest".
func NormalizeReference(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", zerr.With(fault.Wrap(ErrReference, err), "ref", ref)
	}
	return named.String(), nil
}

// Reports whether source names an OCI archive on disk rather than a
// registry reference.
func isArchive(source string) bool {
	if strings.HasSuffix(source, ".tar") {
		return true
	}
	info, err := os.Stat(source)
	return err == nil && info.Mode().IsRegular()
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
