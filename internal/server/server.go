package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/uvimage/internal"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/cruciblehq/uvimage/internal/pipeline"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"github.com/cruciblehq/uvimage/internal/settings"
	"go.trai.ch/zerr"
)

var ErrServer = zerr.New("daemon failed")

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = internal.Name

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time a client has to send its request.
	readTimeout = 10 * time.Second
)

// Holds server configuration.
type Config struct {
	SocketPath string             // Override for the Unix socket path. Empty uses the default.
	Settings   *settings.Settings // Containerd connection and snapshot store. Nil uses the defaults.
}

// Work the daemon delegates.
type backend interface {
	Build(ctx context.Context, dir string, s *settings.Settings) (*pipeline.Result, error)
	ContainerStatus(ctx context.Context, id string) (protocol.ContainerState, error)
	Close() error
}

// Builds on a containerd runtime.
type runtimeBackend struct {
	rt *runtime.Runtime
}

func (b runtimeBackend) Build(ctx context.Context, dir string, s *settings.Settings) (*pipeline.Result, error) {
	return pipeline.Build(ctx, b.rt, dir, s)
}

func (b runtimeBackend) ContainerStatus(ctx context.Context, id string) (protocol.ContainerState, error) {
	return b.rt.Container(id).Status(ctx)
}

func (b runtimeBackend) Close() error {
	return b.rt.Close()
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath string         // Path to the Unix socket file.
	backend    backend        // Executes builds and container queries.
	layerDir   string         // Snapshot store trimmed by prune.
	listener   net.Listener   // Listener for incoming connections.
	startedAt  time.Time      // Timestamp when the server started.
	builds     int            // Total number of build commands processed.
	done       chan struct{}  // Channel to signal server shutdown.
	stopOnce   sync.Once      // Guards shutdown.
	building   sync.Mutex     // Serializes builds; container ids derive from project names.
	mu         sync.Mutex     // Mutex to protect shared state.
	wg         sync.WaitGroup // In-flight connections.
}

// Creates a new server instance connected to containerd.
//
// The socket is not opened until [Start] is called.
func New(cfg Config) (*Server, error) {
	s := cfg.Settings
	if s == nil {
		s = settings.Default()
	}

	rt, err := runtime.New(s.Containerd.Address, s.Containerd.Namespace,
		runtime.WithSnapshotter(s.Containerd.Snapshotter),
	)
	if err != nil {
		return nil, fault.Wrap(ErrServer, err)
	}

	return newServer(cfg.SocketPath, s.Build.LayerDir, runtimeBackend{rt: rt}), nil
}

func newServer(socketPath, layerDir string, b backend) *Server {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	return &Server{
		socketPath: socketPath,
		backend:    b,
		layerDir:   layerDir,
		done:       make(chan struct{}),
	}
}

// Returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrServer, err), "path", socketPath)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the uvimage group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return zerr.With(fault.Wrap(ErrServer, err), "path", socketPath)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()

		if s.backend != nil {
			err = s.backend.Close()
		}

		os.Remove(s.socketPath)
		os.Remove(paths.PIDFile())
	})
	return err
}

// Returns a channel closed once shutdown has begun.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.fail(conn, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdContainerStatus:
		s.handleContainerStatus(ctx, conn, payload)
	case protocol.CmdPrune:
		s.handlePrune(conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID() error {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}

// Opens the snapshot store trimmed by prune.
func (s *Server) layers() (*layercache.Store, error) {
	dir := s.layerDir
	if dir == "" {
		dir = paths.Layers()
	}
	return layercache.New(dir)
}
