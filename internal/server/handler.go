// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chunktransfer/chunktransfer/internal/controller"
	"github.com/chunktransfer/chunktransfer/internal/logging"
	"github.com/chunktransfer/chunktransfer/internal/protocol"
	"github.com/chunktransfer/chunktransfer/internal/ratelimit"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"

	"log/slog"
)

// handshakeTimeout bounds how long a connection may sit between opening and
// sending a complete handshake/resume frame, mirroring the teacher's
// 10-second deadline around HandleConnection's initial frames.
const handshakeTimeout = 10 * time.Second

// sessionLogOwner groups every per-transfer forensic log file under one
// directory, the server-side analogue of the teacher's per-agent grouping
// in internal/logging/session_logger.go.
const sessionLogOwner = "transfers"

// connHandler drives one accepted connection through the wire protocol:
// handshake or resume, then a chunk/trailer loop, until the transfer
// finalizes, is cancelled by a protocol error, or the connection drops.
type connHandler struct {
	s      *Server
	logger *slog.Logger
}

// newConnHandler constructs a connHandler bound to the server's shared
// state (assembler, resume handler, storage, dispatcher, policy).
func newConnHandler(s *Server) *connHandler {
	return &connHandler{s: s}
}

// handle reads the first 4 magic bytes to decide the frame family, exactly
// the way the teacher's HandleConnection dispatches on magic
// (internal/server/handler.go), generalized from the backup protocol's
// NBKP/PJIN/CTRL magics to spec.md §6's XFHS/RSME/PING set.
func (h *connHandler) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h.logger = h.s.logger.With("remote", conn.RemoteAddr().String())

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var magic [4]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		h.logger.Error("reading magic bytes", "error", err)
		return
	}

	switch magic {
	case protocol.MagicPing:
		h.handlePing(conn)
	case protocol.MagicHandshake:
		h.handleHandshake(ctx, conn, magic)
	case protocol.MagicResume:
		h.handleResume(ctx, conn)
	default:
		h.logger.Warn("unknown magic bytes", "magic", string(magic[:]))
	}
}

func (h *connHandler) handlePing(conn net.Conn) {
	status := h.s.diskMonitor.HealthStatus()
	freeBytes := h.s.diskMonitor.Stats().FreeBytes
	if err := protocol.WriteHealthResponse(conn, status, freeBytes); err != nil {
		h.logger.Error("writing health response", "error", err)
	}
}

// handleHandshake validates an incoming transfer request, admits it under
// the storage policy, starts the assembly session and durable state record,
// then hands off to the chunk loop.
func (h *connHandler) handleHandshake(ctx context.Context, conn net.Conn, magic [4]byte) {
	r := io.MultiReader(bytes.NewReader(magic[:]), conn)
	hs, err := protocol.ReadHandshake(r)
	if err != nil {
		h.logger.Error("reading handshake", "error", err)
		return
	}

	id := transfer.ID(hs.TransferID)
	logger := h.logger.With("transfer_id", id, "filename", hs.Filename)

	sessionLogger, sessionCloser, _, err := logging.NewSessionLogger(logger, h.s.cfg.Logging.SessionDir, sessionLogOwner, id.String())
	if err != nil {
		logger.Warn("opening per-transfer session log", "error", err)
	} else {
		logger = sessionLogger
		defer sessionCloser.Close()
	}

	if err := validateFilename(hs.Filename); err != nil {
		logger.Warn("rejecting handshake: invalid filename", "error", err)
		h.sendACK(conn, protocol.StatusReject, err.Error(), logger)
		return
	}

	chunkCfg := transfer.Config{ChunkSize: hs.ChunkSize}
	if err := chunkCfg.Validate(); err != nil {
		logger.Warn("rejecting handshake: invalid chunk size", "error", err)
		h.sendACK(conn, protocol.StatusReject, err.Error(), logger)
		return
	}

	if want := transfer.TotalChunksFor(hs.FileSize, hs.ChunkSize); want != hs.TotalChunks {
		logger.Warn("rejecting handshake: total_chunks does not match file_size/chunk_size", "declared", hs.TotalChunks, "expected", want)
		h.sendACK(conn, protocol.StatusReject, "total_chunks does not match file_size/chunk_size", logger)
		return
	}

	if h.s.assembler.HasSession(id) {
		logger.Warn("rejecting handshake: transfer already in progress")
		h.sendACK(conn, protocol.StatusBusy, "transfer already in progress", logger)
		return
	}

	if _, err := h.s.policy.Admit(int64(hs.FileSize)); err != nil {
		logger.Warn("rejecting handshake: storage policy declined admission", "error", err)
		h.sendACK(conn, protocol.StatusFull, err.Error(), logger)
		return
	}

	if err := h.s.assembler.StartSession(id, hs.Filename, hs.FileSize, hs.TotalChunks, hs.ChunkSize); err != nil {
		logger.Error("starting assembly session", "error", err)
		h.sendACK(conn, protocol.StatusReject, "failed to start session", logger)
		return
	}

	state := transfer.NewState(id, hs.Filename, hs.FileSize, hs.ChunkSize, hs.TotalChunks, hs.SHA256)
	if err := h.s.resumeHandler.Save(state); err != nil {
		logger.Error("persisting initial transfer state", "error", err)
		h.s.assembler.CancelSession(id)
		h.sendACK(conn, protocol.StatusReject, "failed to persist transfer state", logger)
		return
	}

	ctrl := controller.New(id, h.s.dispatcher)
	if err := ctrl.Start(); err != nil {
		logger.Error("starting transfer controller", "error", err)
		return
	}

	if err := protocol.WriteACK(conn, protocol.StatusGo, "ready"); err != nil {
		logger.Error("writing ack", "error", err)
		return
	}

	conn.SetReadDeadline(time.Time{})
	h.chunkLoop(ctx, conn, *hs, ctrl, logger)
}

// handleResume reconstructs a previously started transfer's assembly
// session from durable state and reports the indices still missing, then
// hands off to the chunk loop so the client can retransmit only those
// chunks (spec.md §4.4).
func (h *connHandler) handleResume(ctx context.Context, conn net.Conn) {
	resume, err := protocol.ReadResume(conn)
	if err != nil {
		h.logger.Error("reading resume frame", "error", err)
		return
	}

	id := transfer.ID(resume.TransferID)
	logger := h.logger.With("transfer_id", id)

	sessionLogger, sessionCloser, _, sessionErr := logging.NewSessionLogger(logger, h.s.cfg.Logging.SessionDir, sessionLogOwner, id.String())
	if sessionErr != nil {
		logger.Warn("opening per-transfer session log", "error", sessionErr)
	} else {
		logger = sessionLogger
		defer sessionCloser.Close()
	}

	state, err := h.s.resumeHandler.Load(id)
	if err != nil {
		if errors.Is(err, xferr.ErrNotFound) {
			logger.Info("resume requested for unknown transfer")
			protocol.WriteResumeACK(conn, protocol.ResumeStatusNotFound, nil)
			return
		}
		logger.Error("loading transfer state", "error", err)
		protocol.WriteResumeACK(conn, protocol.ResumeStatusNotFound, nil)
		return
	}

	if !h.s.assembler.HasSession(id) {
		if err := h.s.assembler.ResumeSession(state); err != nil {
			logger.Error("resuming assembly session", "error", err)
			protocol.WriteResumeACK(conn, protocol.ResumeStatusNotFound, nil)
			return
		}
	}

	missing, err := h.s.assembler.GetMissingChunks(id)
	if err != nil {
		logger.Error("computing missing chunks", "error", err)
		protocol.WriteResumeACK(conn, protocol.ResumeStatusNotFound, nil)
		return
	}

	if err := protocol.WriteResumeACK(conn, protocol.ResumeStatusOK, missing); err != nil {
		logger.Error("writing resume ack", "error", err)
		return
	}

	hs := protocol.Handshake{
		Version:     protocol.ProtocolVersion,
		TransferID:  resume.TransferID,
		FileSize:    state.FileSize,
		ChunkSize:   state.ChunkSize,
		TotalChunks: state.TotalChunks,
		SHA256:      state.SHA256Hash,
		Filename:    state.Filename,
	}

	ctrl := controller.New(id, h.s.dispatcher)
	if err := ctrl.Start(); err != nil {
		logger.Error("starting transfer controller on resume", "error", err)
		return
	}

	conn.SetReadDeadline(time.Time{})
	h.chunkLoop(ctx, conn, hs, ctrl, logger)
}

// chunkLoop reads chunk and trailer frames until the transfer finalizes or
// the connection errors out, persisting progress to the resume handler
// every flush_every_chunks chunks or flush_interval, whichever comes first
// (spec.md §6 resume_flush_every_chunks / resume_flush_interval_ms).
func (h *connHandler) chunkLoop(ctx context.Context, conn net.Conn, hs protocol.Handshake, ctrl *controller.Controller, logger *slog.Logger) {
	id := transfer.ID(hs.TransferID)
	flushEvery := h.s.cfg.Resume.FlushEveryChunks
	flushInterval := h.s.cfg.Resume.FlushInterval
	chunksSinceFlush := 0
	lastFlush := time.Now()

	// limitedConn throttles ingestion once diskMonitor reports low disk,
	// easing pressure on the storage backend until space is reclaimed. The
	// limiter is built once so its token bucket persists across the whole
	// connection rather than refilling every frame.
	limitedConn := ratelimit.NewReader(ctx, conn, h.s.cfg.RateLimit.LowDiskBytesPerSecondRaw, h.s.cfg.RateLimit.LowDiskBurstRaw)

	flush := func() {
		progress, err := h.s.assembler.GetProgress(id)
		if err != nil {
			return
		}
		state, err := h.s.resumeHandler.Load(id)
		if err != nil {
			return
		}
		bitmap, err := h.bitmapFor(id, state.TotalChunks)
		if err != nil {
			return
		}
		state.Bitmap = bitmap
		state.BytesWritten = progress.BytesWritten
		state.UpdatedAt = time.Now()
		if err := h.s.resumeHandler.Save(state); err != nil {
			logger.Error("flushing transfer state", "error", err)
		}
		chunksSinceFlush = 0
		lastFlush = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("chunk loop: server shutting down")
			return
		default:
		}

		src := io.Reader(conn)
		if h.s.diskMonitor.LowDisk() {
			src = limitedConn
		}

		var magic [4]byte
		if _, err := io.ReadFull(src, magic[:]); err != nil {
			if err != io.EOF {
				logger.Warn("chunk loop: connection error", "error", err)
			}
			return
		}

		switch magic {
		case protocol.MagicChunk:
			r := io.MultiReader(bytes.NewReader(magic[:]), src)
			chunk, err := protocol.ReadChunk(r)
			if err != nil {
				logger.Warn("reading chunk frame", "error", err)
				return
			}
			if err := h.s.assembler.ProcessChunk(chunk); err != nil {
				logger.Warn("rejecting chunk", "index", chunk.Index, "error", err)
				protocol.WriteNack(conn, hs.TransferID, []uint64{chunk.Index})
				continue
			}
			progress, err := h.s.assembler.GetProgress(id)
			if err == nil {
				ctrl.Progress(progress.ReceivedCount, progress.TotalChunks, progress.BytesWritten)
			}
			chunksSinceFlush++
			if (flushEvery > 0 && chunksSinceFlush >= flushEvery) || (flushInterval > 0 && time.Since(lastFlush) >= flushInterval) {
				flush()
			}

		case protocol.MagicTrailer:
			r := io.MultiReader(bytes.NewReader(magic[:]), src)
			if _, err := protocol.ReadTrailer(r); err != nil {
				logger.Warn("reading trailer frame", "error", err)
				return
			}
			h.finalize(conn, hs, ctrl, logger)
			return

		case protocol.MagicPing:
			h.handlePing(conn)

		default:
			logger.Warn("chunk loop: unknown frame magic", "magic", string(magic[:]))
			return
		}
	}
}

// bitmapFor reconstructs a per-index received bitmap from GetMissingChunks,
// since the assembler does not expose its internal bitmap directly.
func (h *connHandler) bitmapFor(id transfer.ID, totalChunks uint64) ([]bool, error) {
	missing, err := h.s.assembler.GetMissingChunks(id)
	if err != nil {
		return nil, err
	}
	bitmap := make([]bool, totalChunks)
	for i := range bitmap {
		bitmap[i] = true
	}
	for _, idx := range missing {
		if idx < totalChunks {
			bitmap[idx] = false
		}
	}
	return bitmap, nil
}

// finalize closes out the assembly session: verifies every chunk arrived,
// recomputes and checks the SHA-256, moves the finalized file into the
// configured storage backend, marks the transfer completed in the resume
// journal, and replies with the Final ACK.
func (h *connHandler) finalize(conn net.Conn, hs protocol.Handshake, ctrl *controller.Controller, logger *slog.Logger) {
	id := transfer.ID(hs.TransferID)

	finalPath, err := h.s.assembler.Finalize(id, hs.SHA256)
	if err != nil {
		status := protocol.FinalStatusWriteError
		switch {
		case errors.Is(err, xferr.ErrIncomplete):
			status = protocol.FinalStatusIncomplete
		case errors.Is(err, xferr.ErrHashMismatch):
			status = protocol.FinalStatusHashMismatch
		}
		logger.Error("finalizing transfer", "error", err)
		protocol.WriteFinalACK(conn, status)
		ctrl.Fail(err, err.Error())
		return
	}

	if err := h.commitToBackend(finalPath); err != nil {
		logger.Error("committing finalized file to storage backend", "error", err)
		protocol.WriteFinalACK(conn, protocol.FinalStatusWriteError)
		ctrl.Fail(err, err.Error())
		return
	}

	if state, err := h.s.resumeHandler.Load(id); err == nil {
		state.Status = transfer.StatusCompleted
		state.UpdatedAt = time.Now()
		if err := h.s.resumeHandler.Save(state); err != nil {
			logger.Error("persisting completed transfer state", "error", err)
		}
	}

	if err := ctrl.Complete(); err != nil {
		logger.Error("completing transfer controller", "error", err)
	}

	if err := protocol.WriteFinalACK(conn, protocol.FinalStatusOK); err != nil {
		logger.Error("writing final ack", "error", err)
		return
	}
	logger.Info("transfer completed", "final_path", finalPath)

	// Clean completion: the forensic session log spec.md §7 wants retained
	// for a failed/incomplete transfer has no more reason to exist.
	logging.RemoveSessionLog(h.s.cfg.Logging.SessionDir, sessionLogOwner, id.String())
}

// commitToBackend streams the assembler's finalized file into the
// configured storage.Manager and removes the local staging copy, so the
// object store (fs or s3) becomes the single canonical home for a
// completed transfer (see DESIGN.md's storage/output_dir decision).
func (h *connHandler) commitToBackend(finalPath string) error {
	f, err := os.Open(finalPath)
	if err != nil {
		return fmt.Errorf("%w: reopening finalized file %s: %v", xferr.ErrFileReadError, finalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stating finalized file %s: %v", xferr.ErrFileReadError, finalPath, err)
	}

	key := filepath.Base(finalPath)
	if err := h.s.manager.Put(key, f, info.Size()); err != nil {
		return fmt.Errorf("storing %s in backend: %w", key, err)
	}

	return os.Remove(finalPath)
}

func (h *connHandler) sendACK(conn net.Conn, status byte, message string, logger *slog.Logger) {
	if err := protocol.WriteACK(conn, status, message); err != nil {
		logger.Error("writing ack", "error", err)
	}
}
