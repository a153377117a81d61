package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/uvimage/internal/server"
)

// Represents the 'uvimage serve' command.
type ServeCmd struct {
	Dir string `default:"." help:"Directory whose settings configure containerd and the snapshot store." type:"existingdir"`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *ServeCmd) Run(ctx context.Context) error {
	_, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		Settings:   s,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("uvimage daemon is running", "socket", srv.SocketPath())

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
