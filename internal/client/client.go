// Package client implements the reference transfer client: a thin
// orchestrator wiring splitter, ratelimit and the wire protocol together,
// retrying failed sends with exponential backoff the way the teacher's
// RunBackupWithRetry retries a backup entry
// (_examples/nishisan-dev-n-backup/internal/agent/daemon.go), generalized
// from one backup entry to one transfer job.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/chunktransfer/chunktransfer/internal/config"
	"github.com/chunktransfer/chunktransfer/internal/pki"
	"github.com/chunktransfer/chunktransfer/internal/protocol"
	"github.com/chunktransfer/chunktransfer/internal/ratelimit"
	"github.com/chunktransfer/chunktransfer/internal/splitter"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
)

// Client sends files to a transfer server over mTLS, chunking them with the
// engine's default chunk configuration and retrying transient failures.
type Client struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	tlsCfg *tls.Config

	// inFlight remembers the transfer id assigned to a job's most recent
	// attempt within this process, so a retry after a dropped connection
	// resumes instead of restarting the whole file (spec.md §4.4).
	inFlight map[string]transfer.ID
}

// New constructs a Client from cfg, loading its mTLS material up front so a
// misconfigured certificate fails fast instead of on the first send.
func New(cfg *config.ClientConfig, logger *slog.Logger) (*Client, error) {
	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("configuring TLS: %w", err)
	}
	return &Client{cfg: cfg, logger: logger, tlsCfg: tlsCfg, inFlight: make(map[string]transfer.ID)}, nil
}

// SendAll sends every configured transfer job in order, retrying each with
// exponential backoff per cfg.Retry, and returns the first unrecoverable
// error.
func (c *Client) SendAll(ctx context.Context) error {
	for _, job := range c.cfg.Transfers {
		if err := c.sendWithRetry(ctx, job); err != nil {
			return fmt.Errorf("sending %s: %w", job.Path, err)
		}
	}
	return nil
}

func (c *Client) sendWithRetry(ctx context.Context, job config.TransferJob) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, c.cfg.Retry.InitialDelay, c.cfg.Retry.MaxDelay)
			c.logger.Info("retrying transfer", "path", job.Path, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.sendOnce(ctx, job); err != nil {
			lastErr = err
			c.logger.Warn("transfer attempt failed", "path", job.Path, "attempt", attempt+1, "error", err)
			continue
		}

		delete(c.inFlight, job.Path)
		return nil
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", c.cfg.Retry.MaxAttempts, lastErr)
}

// calculateBackoff computes an exponential delay capped at maxDelay,
// adapted from internal/agent/daemon.go's calculateBackoff.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// sendOnce opens a fresh connection and drives one handshake-or-resume plus
// chunk/trailer exchange to completion.
func (c *Client) sendOnce(ctx context.Context, job config.TransferJob) error {
	conn, err := tls.Dial("tcp", c.cfg.Server.Address, c.tlsCfg)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Server.Address, err)
	}
	defer conn.Close()

	destName := job.DestName
	if destName == "" {
		destName = filepath.Base(job.Path)
	}

	sp, err := splitter.New(transfer.DefaultConfig())
	if err != nil {
		return err
	}

	md, err := sp.CalculateMetadata(job.Path)
	if err != nil {
		return err
	}
	md.Filename = destName

	id, resuming, missing, err := c.openOrResume(conn, job.Path, md)
	if err != nil {
		return err
	}

	cur, err := sp.Split(job.Path, id)
	if err != nil {
		return err
	}
	defer cur.Close()

	want := toSet(missing)
	var w io.Writer = conn
	w = ratelimit.NewWriter(ctx, w, c.cfg.RateLimit.BytesPerSecondRaw, c.cfg.RateLimit.BurstRaw)

	for cur.HasNext() {
		idx := cur.CurrentIndex()
		chunk, err := cur.Next()
		if err != nil {
			return err
		}
		if resuming && !want[idx] {
			continue
		}
		if err := protocol.WriteChunk(w, chunk); err != nil {
			return fmt.Errorf("writing chunk %d: %w", idx, err)
		}
	}

	if err := protocol.WriteTrailer(conn, idBytes(id)); err != nil {
		return fmt.Errorf("writing trailer: %w", err)
	}

	finalAck, err := protocol.ReadFinalACK(conn)
	if err != nil {
		return fmt.Errorf("reading final ack: %w", err)
	}
	if finalAck.Status != protocol.FinalStatusOK {
		return fmt.Errorf("server rejected finalize: status %d", finalAck.Status)
	}
	return nil
}

// openOrResume resumes a previously started transfer for path if one is
// known, falling back to a fresh handshake when the server reports it as
// not found (e.g. it was already finalized, or the server restarted before
// persisting it).
func (c *Client) openOrResume(conn io.ReadWriter, path string, md transfer.FileMetadata) (id transfer.ID, resuming bool, missing []uint64, err error) {
	if prior, ok := c.inFlight[path]; ok {
		if err := protocol.WriteResume(conn, idBytes(prior)); err != nil {
			return transfer.ID{}, false, nil, fmt.Errorf("writing resume frame: %w", err)
		}
		ack, err := protocol.ReadResumeACK(conn)
		if err != nil {
			return transfer.ID{}, false, nil, fmt.Errorf("reading resume ack: %w", err)
		}
		if ack.Status == protocol.ResumeStatusOK {
			return prior, true, ack.MissingIndices, nil
		}
		// Not found server-side: discard and fall through to a fresh handshake.
	}

	id = transfer.NewID()
	hs := protocol.Handshake{
		Version:     protocol.ProtocolVersion,
		TransferID:  idBytes(id),
		FileSize:    md.FileSize,
		ChunkSize:   md.ChunkSize,
		TotalChunks: md.TotalChunks,
		SHA256:      md.SHA256Hash,
		Filename:    md.Filename,
	}
	if err := protocol.WriteHandshake(conn, hs); err != nil {
		return transfer.ID{}, false, nil, fmt.Errorf("writing handshake: %w", err)
	}
	ack, err := protocol.ReadACK(conn)
	if err != nil {
		return transfer.ID{}, false, nil, fmt.Errorf("reading ack: %w", err)
	}
	if ack.Status != protocol.StatusGo {
		return transfer.ID{}, false, nil, fmt.Errorf("server rejected handshake: status %d: %s", ack.Status, ack.Message)
	}

	c.inFlight[path] = id
	return id, false, nil, nil
}

func idBytes(id transfer.ID) [16]byte {
	return [16]byte(id)
}

func toSet(indices []uint64) map[uint64]bool {
	s := make(map[uint64]bool, len(indices))
	for _, idx := range indices {
		s[idx] = true
	}
	return s
}

// Ping sends a health-check PING to the server and returns its response.
func (c *Client) Ping(ctx context.Context) (*protocol.HealthResponse, error) {
	conn, err := tls.Dial("tcp", c.cfg.Server.Address, c.tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.Server.Address, err)
	}
	defer conn.Close()

	if err := protocol.WritePing(conn); err != nil {
		return nil, fmt.Errorf("writing ping: %w", err)
	}
	resp, err := protocol.ReadHealthResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("reading health response: %w", err)
	}
	return resp, nil
}
