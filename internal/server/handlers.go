package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/uvimage/internal"
	"github.com/cruciblehq/uvimage/internal/build"
	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"github.com/cruciblehq/uvimage/internal/settings"
	"go.trai.ch/zerr"
)

var ErrRequest = zerr.New("invalid request")

// Writes err as an error response, with its build failure class if any.
func (s *Server) fail(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
		Message: err.Error(),
		Class:   build.ClassOf(err),
	})
}

// Handles a build command.
//
// Loads the settings of the project directory named in the request, applies
// the request overrides and runs the pipeline. Builds run one at a time.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	cfg, err := requestSettings(req)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.building.Lock()
	result, err := s.backend.Build(ctx, req.Dir, cfg)
	s.building.Unlock()
	if err != nil {
		slog.Error("build failed", "dir", req.Dir, "error", err)
		s.fail(conn, err)
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Archive:    result.Archive,
		Tag:        result.Tag,
		Snapshot:   result.Snapshot,
		Reused:     result.Reused,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// Returns the settings of the requested build.
func requestSettings(req *protocol.BuildRequest) (*settings.Settings, error) {
	if !filepath.IsAbs(req.Dir) {
		return nil, zerr.With(fault.Wrapf(ErrRequest, "project directory must be absolute"), "dir", req.Dir)
	}

	cfg, err := settings.Load(req.Dir, req.Config)
	if err != nil {
		return nil, err
	}

	if req.Output != "" {
		cfg.Build.Output = req.Output
		if !filepath.IsAbs(req.Output) {
			cfg.Build.Output = filepath.Join(req.Dir, req.Output)
		}
	}
	if req.Tag != "" {
		cfg.Build.Tag = req.Tag
	}
	if len(req.Platforms) > 0 {
		cfg.Build.Platforms = req.Platforms
	}
	return cfg, nil
}

// Handles a container-status command.
func (s *Server) handleContainerStatus(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerStatusRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if req.ID == "" {
		s.fail(conn, fault.Wrapf(ErrRequest, "container id is required"))
		return
	}

	state, err := s.backend.ContainerStatus(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ContainerStatusResult{ID: req.ID, State: state})
}

// Handles a prune command.
func (s *Server) handlePrune(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.PruneRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	store, err := s.layers()
	if err != nil {
		s.fail(conn, err)
		return
	}

	removed, freed, err := store.Prune(req.Keep)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.PruneResult{Removed: removed, Freed: freed})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go s.Stop()
}
