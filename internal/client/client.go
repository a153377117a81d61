package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/cruciblehq/uvimage/internal/build"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"go.trai.ch/zerr"
)

var (
	ErrUnavailable = zerr.New("daemon is not running")
	ErrRemote      = zerr.New("daemon request failed")
)

// Talks to the build daemon over its Unix socket.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// Returns a client for the daemon listening on socketPath. An empty path
// uses the default socket.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	return &Client{socketPath: socketPath}
}

// Builds the project in req.Dir.
//
// Cancelling ctx closes the connection, which cancels the build. Failures
// of a build phase match the same class as a local build.
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	var res protocol.BuildResult
	if err := c.call(ctx, protocol.CmdBuild, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Returns the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	var res protocol.StatusResult
	if err := c.call(ctx, protocol.CmdStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, protocol.CmdShutdown, nil, nil)
}

// Returns the state of the container with the given id.
func (c *Client) ContainerStatus(ctx context.Context, id string) (*protocol.ContainerStatusResult, error) {
	var res protocol.ContainerStatusResult
	if err := c.call(ctx, protocol.CmdContainerStatus, &protocol.ContainerStatusRequest{ID: id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Trims the daemon's snapshot store to the keep most recent entries.
func (c *Client) Prune(ctx context.Context, keep int) (*protocol.PruneResult, error) {
	var res protocol.PruneResult
	if err := c.call(ctx, protocol.CmdPrune, &protocol.PruneRequest{Keep: keep}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sends one command and decodes the response payload into out.
func (c *Client) call(ctx context.Context, cmd protocol.Command, payload, out any) error {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return zerr.With(fault.Wrap(ErrUnavailable, err), "socket", c.socketPath)
		}
		return zerr.With(fault.Wrap(ErrRemote, err), "socket", c.socketPath)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fault.Wrap(ErrRemote, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Wrap(ErrRemote, err)
	}

	env, raw, err := protocol.Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case protocol.CmdOK:
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](raw)
		if err != nil {
			return err
		}
		return remoteError(res)
	default:
		return fault.Wrapf(protocol.ErrProtocol, "unexpected response %q", env.Command)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return protocol.DecodeInto(raw, out)
}

// Rebuilds an error response, restoring its build failure class.
func remoteError(res *protocol.ErrorResult) error {
	err := fault.Wrapf(ErrRemote, "%s", res.Message)
	if class := build.ClassNamed(res.Class); class != nil {
		return fault.Wrap(class, err)
	}
	return err
}
