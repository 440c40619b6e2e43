// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implements the reference chunked-transfer server: it
// accepts mTLS connections, speaks the internal/protocol wire format, and
// wires together assembler, controller, resume, storage and dispatcher into
// a running service.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/chunktransfer/chunktransfer/internal/assembler"
	"github.com/chunktransfer/chunktransfer/internal/config"
	"github.com/chunktransfer/chunktransfer/internal/dispatcher"
	"github.com/chunktransfer/chunktransfer/internal/monitor"
	"github.com/chunktransfer/chunktransfer/internal/pki"
	"github.com/chunktransfer/chunktransfer/internal/resume"
	"github.com/chunktransfer/chunktransfer/internal/storage"
)

// Server owns the long-lived pieces shared by every connection: storage,
// durable resume state, the assembler and the event dispatcher.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	backend storage.Backend
	manager *storage.Manager
	policy  *storage.Policy

	resumeHandler *resume.Handler
	compaction    *resume.CompactionScheduler
	assembler     *assembler.Assembler
	dispatcher    *dispatcher.Dispatcher
	diskMonitor   *monitor.DiskMonitor
}

// New wires every component from cfg. Ownership of the returned Server's
// background goroutines (compaction scheduler, disk monitor) starts only
// once Run or Serve is called.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var backend storage.Backend
	var err error
	switch cfg.Storage.Backend {
	case "s3":
		backend, err = storage.NewS3Backend(context.Background(), cfg.Storage.Bucket,
			cfg.Storage.S3AccessKeyID, cfg.Storage.S3SecretAccessKey, cfg.Storage.S3SessionToken)
	default:
		backend, err = storage.NewFSBackend(cfg.Storage.BaseDir)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing storage backend: %w", err)
	}

	manager := storage.NewManager(backend, true)
	policy := storage.NewPolicy(manager, cfg.Storage.MaxFileSizeRaw, cfg.Storage.QuotaRaw, storage.EvictionPolicy(cfg.Storage.Eviction))

	resumeHandler, err := resume.Open(cfg.Resume.StateDir, resume.Options{CompactThresholdBytes: cfg.Resume.CompactThresholdBytes})
	if err != nil {
		return nil, fmt.Errorf("opening resume handler: %w", err)
	}

	compaction, err := resume.NewCompactionScheduler(resumeHandler, cfg.Resume.CompactSchedule, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring compaction scheduler: %w", err)
	}

	asm, err := assembler.New(cfg.Output.Dir, assembler.Options{VerifyCRC32: cfg.Chunk.VerifyCRC32 == nil || *cfg.Chunk.VerifyCRC32})
	if err != nil {
		return nil, fmt.Errorf("initializing assembler: %w", err)
	}

	d := dispatcher.New(256, logger)
	// Output.Dir is always a local path (the assembler's staging/finalize
	// directory) regardless of which storage backend is configured, so it is
	// the volume worth polling for disk pressure even when the canonical
	// store is remote (S3).
	diskMonitor := monitor.New(logger, cfg.Output.Dir, cfg.Monitor.LowDiskThresholdRaw, cfg.Monitor.PollInterval)

	return &Server{
		cfg: cfg, logger: logger,
		backend: backend, manager: manager, policy: policy,
		resumeHandler: resumeHandler, compaction: compaction,
		assembler: asm, dispatcher: d, diskMonitor: diskMonitor,
	}, nil
}

// restoreInFlightSessions reopens the assembler context for every
// non-terminal transfer found in the resume journal, so transfers active
// before a restart can continue accepting chunks (spec.md §4.4).
func (s *Server) restoreInFlightSessions() {
	for _, state := range s.resumeHandler.List() {
		if state.Status == "completed" || state.Status == "cancelled" || state.Status == "failed" {
			continue
		}
		if err := s.assembler.ResumeSession(state); err != nil {
			s.logger.Error("failed to restore in-flight transfer", "transfer_id", state.ID, "error", err)
		}
	}
}

// Run configures TLS, listens on cfg.Server.Listen and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := pki.NewServerTLSConfig(s.cfg.TLS.CACert, s.cfg.TLS.ServerCert, s.cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	ln, err := tls.Listen("tcp", s.cfg.Server.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}
	defer ln.Close()

	s.logger.Info("server listening", "address", s.cfg.Server.Listen)
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop over an already-open listener (used directly by
// Run, and by tests that want a net.Pipe or in-memory listener).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.restoreInFlightSessions()

	s.compaction.Start()
	s.diskMonitor.Start()
	defer s.diskMonitor.Stop()

	connSem := make(chan struct{}, s.cfg.Server.MaxConnections)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.shutdown(ctx)
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0

		select {
		case connSem <- struct{}{}:
			h := newConnHandler(s)
			go func() {
				defer func() { <-connSem }()
				h.handle(ctx, conn)
			}()
		default:
			s.logger.Warn("rejecting connection: max_connections reached", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.compaction.Stop(stopCtx)
	if err := s.resumeHandler.Close(); err != nil {
		s.logger.Error("closing resume handler", "error", err)
	}
	s.logger.Info("server shutdown complete")
	return nil
}
