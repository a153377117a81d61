package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"go.trai.ch/zerr"
)

// An image's own process running in a container.
//
// The lifecycle is created, running, then stopped (exit status 0) or
// crashed (anything else). There is no restart.
type Service struct {
	ctr   *Container
	image string
	task  containerd.Task
	exitC <-chan containerd.ExitStatus

	mu    sync.Mutex
	state protocol.ContainerState
	code  int
	err   error
	done  chan struct{}
}

// Starts a container running the image's entrypoint and cmd as the image's
// user, with its env and working directory, on the host network.
//
// The source is an OCI archive or a registry reference. The process output
// is copied to stdout and stderr; nil writers discard it.
func (rt *Runtime) StartService(ctx context.Context, source, id string, stdout, stderr io.Writer) (*Service, error) {
	platform := DefaultPlatform()

	tag, err := rt.EnsureImage(ctx, source, platform)
	if err != nil {
		return nil, err
	}

	c := rt.handle(id, platform)
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fault.Wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image, containerConfig{})
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "id", id)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "id", id)
	}

	svc := &Service{
		ctr:   c,
		image: tag,
		task:  task,
		state: protocol.ContainerCreated,
		done:  make(chan struct{}),
	}

	// Wait must be registered before Start or a fast exit is missed.
	exitC, err := task.Wait(context.WithoutCancel(ctx))
	if err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fault.Wrap(ErrRuntime, err)
	}
	svc.exitC = exitC

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, zerr.With(fault.Wrap(ErrRuntime, err), "id", id)
	}

	svc.setState(protocol.ContainerRunning)
	slog.Info("service started", "id", id, "image", tag, "pid", task.Pid())

	go svc.watch()
	return svc, nil
}

// Records the exit of the service process.
func (s *Service) watch() {
	status := <-s.exitC

	code, _, err := status.Result()

	s.mu.Lock()
	s.code = int(code)
	s.err = err
	if err != nil {
		s.state = protocol.ContainerCrashed
	} else {
		s.state = StateForExit(code)
	}
	s.mu.Unlock()

	close(s.done)
}

// Returns the container backing the service.
func (s *Service) Container() *Container {
	return s.ctr
}

// Returns the local name of the image the service runs.
func (s *Service) Image() string {
	return s.image
}

// Returns the current lifecycle state.
func (s *Service) State() protocol.ContainerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state protocol.ContainerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Returns a channel closed when the process has exited.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Blocks until the process exits or ctx is done, and returns its exit code.
func (s *Service) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, fault.Wrap(ErrRuntime, s.err)
	}
	return s.code, nil
}

// Sends SIGTERM and waits up to grace for the process to exit, then kills it.
func (s *Service) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.task.Kill(ctx, syscall.SIGTERM); err != nil {
		slog.Debug("failed to signal service", "id", s.ctr.id, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		slog.Warn("service did not stop in time, killing", "id", s.ctr.id, "grace", grace)
	case <-ctx.Done():
	}

	if err := s.task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err != nil {
		return fault.Wrap(ErrRuntime, err)
	}
	<-s.done
	return nil
}

// Removes the task, the container and its snapshot.
func (s *Service) Destroy(ctx context.Context) {
	if _, err := s.task.Delete(ctx, containerd.WithProcessKill); err != nil {
		slog.Debug("failed to delete service task", "id", s.ctr.id, "error", err)
	}
	s.ctr.Destroy(ctx)
}

// Maps an exit status to the final lifecycle state.
func StateForExit(code uint32) protocol.ContainerState {
	if code == 0 {
		return protocol.ContainerStopped
	}
	return protocol.ContainerCrashed
}
