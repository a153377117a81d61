package launch

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"go.trai.ch/zerr"
)

var (
	ErrStartup  = zerr.New("service failed to start")
	ErrIdentity = zerr.New("service runs as an unexpected user")
)

// Defaults of the start-up contract.
const (
	DefaultTimeout = 30 * time.Second // Bound on the time to the first accepted connection.
	DefaultGrace   = 10 * time.Second // Time between SIGTERM and SIGKILL on shutdown.
)

// A started service process.
//
// [runtime.Service] satisfies it.
type Service interface {
	State() protocol.ContainerState
	Done() <-chan struct{}
	Wait(ctx context.Context) (int, error)
	Stop(ctx context.Context, grace time.Duration) error
}

// Runs commands next to the service process.
//
// [runtime.Container] satisfies it.
type Execer interface {
	ExecArgs(ctx context.Context, args []string) (*runtime.ExecResult, error)
}

// Polls addr until it accepts a TCP connection or timeout elapses.
//
// Attempts back off exponentially from 50ms up to 1s between tries.
func WaitListening(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(timeout),
	), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, policy)
	if err != nil {
		return zerr.With(
			fault.Wrapf(ErrStartup, "%s not accepting connections after %s: %w", addr, timeout, err),
			"attempts", attempts,
		)
	}

	slog.Debug("port accepting connections", "addr", addr, "attempts", attempts)
	return nil
}

// Waits until svc accepts connections on addr.
//
// Fails with [ErrStartup] when the bounded interval elapses or the process
// exits first. The exit code of an early exit is attached as metadata.
func Ready(ctx context.Context, svc Service, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-svc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := WaitListening(ctx, addr, timeout)
	if err == nil {
		return nil
	}

	select {
	case <-svc.Done():
		code, werr := svc.Wait(context.WithoutCancel(ctx))
		if werr != nil {
			return fault.Wrap(ErrStartup, werr)
		}
		return zerr.With(fault.Wrapf(ErrStartup, "process exited with code %d before listening on %s", code, addr), "exit_code", code)
	default:
		return err
	}
}

// Checks that the service process runs as uid.
//
// The process is the container's init, so its real uid is read from
// /proc/1/status inside the container.
func CheckIdentity(ctx context.Context, ex Execer, uid int) error {
	res, err := ex.ExecArgs(ctx, []string{"cat", "/proc/1/status"})
	if err != nil {
		return fault.Wrap(ErrIdentity, err)
	}
	if res.ExitCode != 0 {
		return fault.Wrapf(ErrIdentity, "reading process status: exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	got, err := statusUID(res.Stdout)
	if err != nil {
		return fault.Wrap(ErrIdentity, err)
	}
	if got != uid {
		return zerr.With(fault.Wrapf(ErrIdentity, "uid %d, want %d", got, uid), "uid", got)
	}
	return nil
}

// Returns the real uid from the contents of /proc/<pid>/status.
func statusUID(status string) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(status))
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		return strconv.Atoi(fields[0])
	}
	return 0, errors.New("no Uid line in process status")
}

// Waits for svc to exit and returns its exit code.
//
// When ctx is cancelled first, the service is stopped with grace before
// SIGKILL and the resulting exit code is returned.
func Supervise(ctx context.Context, svc Service, grace time.Duration) (int, error) {
	code, err := svc.Wait(ctx)
	if err == nil {
		slog.Info("service exited", "code", code, "state", svc.State())
		return code, nil
	}
	if ctx.Err() == nil {
		return 0, err
	}

	slog.Info("stopping service", "grace", grace)
	stopCtx := context.WithoutCancel(ctx)
	if err := svc.Stop(stopCtx, grace); err != nil {
		return 0, err
	}
	code, err = svc.Wait(stopCtx)
	if err != nil {
		return 0, err
	}

	slog.Info("service stopped", "code", code, "state", svc.State())
	return code, nil
}
