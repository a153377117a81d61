package cli

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cruciblehq/uvimage/internal"
	"github.com/cruciblehq/uvimage/internal/launch"
)

// Represents the 'uvimage run' command.
type RunCmd struct {
	Image   string        `arg:"" help:"OCI archive or image reference."`
	Dir     string        `default:"." help:"Project directory whose settings apply." type:"existingdir"`
	ID      string        `name:"id" help:"Container id. Defaults to uvimage-service."`
	Timeout time.Duration `default:"30s" help:"Time the server has to accept connections."`
	Grace   time.Duration `default:"10s" help:"Time between SIGTERM and SIGKILL on interrupt."`
	Keep    bool          `help:"Keep the imported image after the service exits."`
}

// Executes the run command.
//
// Starts the image's own process, waits for the server port, checks that
// the process runs as the configured user, then supervises it. The service
// exit code becomes the exit code of uvimage.
func (c *RunCmd) Run(ctx context.Context) error {
	_, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}

	rt, err := connect(s)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := c.ID
	if id == "" {
		id = internal.Name + "-service"
	}

	svc, err := rt.StartService(ctx, c.Image, id, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	cleanup := context.WithoutCancel(ctx)
	defer func() {
		svc.Destroy(cleanup)
		if !c.Keep && isFile(c.Image) {
			if err := rt.DestroyImage(cleanup, svc.Image()); err != nil {
				slog.Warn("failed to remove imported image", "image", svc.Image(), "error", err)
			}
		}
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Entrypoint.Port))
	if err := awaitReady(ctx, svc, addr, c.Timeout); err != nil {
		svc.Stop(cleanup, c.Grace)
		return err
	}
	if err := launch.CheckIdentity(ctx, svc.Container(), s.Identity.UID); err != nil {
		svc.Stop(cleanup, c.Grace)
		return err
	}

	slog.Info("service ready", "addr", addr, "uid", s.Identity.UID)

	code, err := launch.Supervise(ctx, svc, c.Grace)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// Waits for svc to accept connections on addr.
//
// A process that exits with a non-zero code before listening makes uvimage
// exit with the same code. The startup failure is logged first.
func awaitReady(ctx context.Context, svc launch.Service, addr string, timeout time.Duration) error {
	err := launch.Ready(ctx, svc, addr, timeout)
	if err == nil {
		return nil
	}

	select {
	case <-svc.Done():
	default:
		return err
	}

	code, werr := svc.Wait(context.WithoutCancel(ctx))
	if werr != nil || code == 0 {
		return err
	}
	slog.Error(err.Error(), "addr", addr)
	return &ExitError{Code: code}
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
