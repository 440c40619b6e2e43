// Package assembler reassembles chunks into complete files, tolerating
// out-of-order arrival, duplicates and gaps, and verifying end-to-end
// integrity on finalize.
//
// The concurrency pattern (a read-write-locked map of per-transfer contexts,
// each with its own exclusive mutex, and atomic counters read lock-free by
// progress snapshots) is grounded on
// _examples/nishisan-dev-n-backup/internal/server/assembler.go's
// ChunkAssembler/Stats design. Unlike that teacher, which appends chunks in
// an unbounded stream and spills out-of-order data to staging files because
// it never knows the final chunk count up front, this assembler knows
// total_chunks at StartSession time (spec.md §4.3), so out-of-order chunks
// are written directly to their final byte offset in the temp file via
// seek+write instead of being buffered separately and flushed later.
package assembler

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/chunktransfer/chunktransfer/internal/checksum"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// Options configures assembler-wide behavior.
type Options struct {
	// VerifyCRC32 enables per-chunk CRC-32 verification (spec.md §6 default true).
	VerifyCRC32 bool
}

// Assembler owns all live assembly contexts and the output directory they
// materialize into.
type Assembler struct {
	outputDir   string
	verifyCRC32 bool

	contextsMu sync.RWMutex
	contexts   map[transfer.ID]*assemblyContext
}

// New constructs an Assembler writing into outputDir.
func New(outputDir string, opts Options) (*Assembler, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating output dir %s: %v", xferr.ErrFileWriteError, outputDir, err)
	}
	return &Assembler{
		outputDir:   outputDir,
		verifyCRC32: opts.VerifyCRC32,
		contexts:    make(map[transfer.ID]*assemblyContext),
	}, nil
}

// assemblyContext is the in-memory twin of a persisted transfer.State plus
// an open write handle to the temp file (spec.md §3 assembly_context).
type assemblyContext struct {
	id          transfer.ID
	filename    string
	tempPath    string
	file        *os.File
	fileSize    uint64
	totalChunks uint64
	chunkSize   uint32

	mu            sync.Mutex // guards bitmap and the file handle's write cursor
	bitmap        []bool
	receivedCount atomic.Uint64
	bytesWritten  atomic.Uint64
}

// Progress is a point-in-time snapshot of an assembly session.
type Progress struct {
	ReceivedCount uint64
	TotalChunks   uint64
	BytesWritten  uint64
	Percentage    float64
}

// StartSession creates a temp file output_dir/<id>.part, sparsely extends it
// to file_size, and initializes a zero-filled bitmap of length total_chunks.
func (a *Assembler) StartSession(id transfer.ID, filename string, fileSize uint64, totalChunks uint64, chunkSize uint32) error {
	a.contextsMu.Lock()
	defer a.contextsMu.Unlock()

	if _, exists := a.contexts[id]; exists {
		return fmt.Errorf("%w: session %s already started", xferr.ErrAlreadyExists, id)
	}

	tempPath := filepath.Join(a.outputDir, id.String()+".part")
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("%w: creating temp file %s: %v", xferr.ErrFileWriteError, tempPath, err)
	}
	// Sparse-extend to the final size so out-of-order seeks never need to
	// grow the file mid-write.
	if err := f.Truncate(int64(fileSize)); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%w: extending temp file to %d bytes: %v", xferr.ErrFileWriteError, fileSize, err)
	}

	a.contexts[id] = &assemblyContext{
		id:          id,
		filename:    filename,
		tempPath:    tempPath,
		file:        f,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		chunkSize:   chunkSize,
		bitmap:      make([]bool, totalChunks),
	}
	return nil
}

// ResumeSession reopens an in-progress transfer's temp file and restores its
// in-memory context (bitmap, received count, bytes written) from a
// previously persisted transfer.State, so a restarted server can keep
// accepting chunks for a transfer started before the crash/restart
// (spec.md §4.4: "interrupted transfers resume at the last acknowledged
// chunk"). No-op (returns nil) if a session for state.ID is already active.
func (a *Assembler) ResumeSession(state transfer.State) error {
	a.contextsMu.Lock()
	defer a.contextsMu.Unlock()

	if _, exists := a.contexts[state.ID]; exists {
		return nil
	}

	tempPath := filepath.Join(a.outputDir, state.ID.String()+".part")
	f, err := os.OpenFile(tempPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: reopening temp file %s: %v", xferr.ErrFileReadError, tempPath, err)
	}

	ctx := &assemblyContext{
		id:          state.ID,
		filename:    state.Filename,
		tempPath:    tempPath,
		file:        f,
		fileSize:    state.FileSize,
		totalChunks: state.TotalChunks,
		chunkSize:   state.ChunkSize,
		bitmap:      append([]bool(nil), state.Bitmap...),
	}
	ctx.receivedCount.Store(state.ReceivedCount())
	ctx.bytesWritten.Store(state.BytesWritten)

	a.contexts[state.ID] = ctx
	return nil
}

func (a *Assembler) getContext(id transfer.ID) (*assemblyContext, error) {
	a.contextsMu.RLock()
	ctx, ok := a.contexts[id]
	a.contextsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", xferr.ErrUnknownSession, id)
	}
	return ctx, nil
}

// ProcessChunk validates and writes an incoming chunk. Steps, in order:
// lookup session, range-check index/offset, verify CRC-32 (if enabled),
// drop duplicates idempotently, then seek+write under the context's mutex.
func (a *Assembler) ProcessChunk(c transfer.Chunk) error {
	ctx, err := a.getContext(c.ID)
	if err != nil {
		return err
	}

	if c.Index >= ctx.totalChunks || c.Offset != c.Index*uint64(ctx.chunkSize) {
		return fmt.Errorf("%w: index %d offset %d for total_chunks %d chunk_size %d",
			xferr.ErrOutOfRange, c.Index, c.Offset, ctx.totalChunks, ctx.chunkSize)
	}

	if a.verifyCRC32 {
		if checksum.CRC32(c.Data) != c.Checksum {
			return fmt.Errorf("%w: chunk %d", xferr.ErrChecksumMismatch, c.Index)
		}
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.bitmap[c.Index] {
		// Duplicate: discard and return ok (idempotence), bitmap untouched.
		return nil
	}

	if _, err := ctx.file.WriteAt(c.Data, int64(c.Offset)); err != nil {
		return fmt.Errorf("%w: writing chunk %d at offset %d: %v", xferr.ErrFileWriteError, c.Index, c.Offset, err)
	}

	ctx.bitmap[c.Index] = true
	ctx.receivedCount.Add(1)
	ctx.bytesWritten.Add(uint64(len(c.Data)))
	return nil
}

// IsComplete reports whether every chunk of id has been received.
func (a *Assembler) IsComplete(id transfer.ID) bool {
	ctx, err := a.getContext(id)
	if err != nil {
		return false
	}
	return ctx.receivedCount.Load() == ctx.totalChunks
}

// GetMissingChunks returns the ascending list of indices not yet received,
// used to drive selective retransmission.
func (a *Assembler) GetMissingChunks(id transfer.ID) ([]uint64, error) {
	ctx, err := a.getContext(id)
	if err != nil {
		return nil, err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	missing := make([]uint64, 0)
	for i, received := range ctx.bitmap {
		if !received {
			missing = append(missing, uint64(i))
		}
	}
	return missing, nil
}

// GetProgress returns a point-in-time snapshot of the session.
func (a *Assembler) GetProgress(id transfer.ID) (Progress, error) {
	ctx, err := a.getContext(id)
	if err != nil {
		return Progress{}, err
	}
	received := ctx.receivedCount.Load()
	total := ctx.totalChunks
	var pct float64
	if total > 0 {
		pct = float64(received) / float64(total) * 100
	}
	return Progress{
		ReceivedCount: received,
		TotalChunks:   total,
		BytesWritten:  ctx.bytesWritten.Load(),
		Percentage:    pct,
	}, nil
}

// HasSession reports whether a session exists for id.
func (a *Assembler) HasSession(id transfer.ID) bool {
	a.contextsMu.RLock()
	defer a.contextsMu.RUnlock()
	_, ok := a.contexts[id]
	return ok
}

// Finalize closes the file, flushes it, recomputes SHA-256, compares with
// expectedHash if non-zero, atomically renames the temp file into
// output_dir/filename (suffixing a short token on name collision), and
// drops the context. Rejects finalize when the session is incomplete.
func (a *Assembler) Finalize(id transfer.ID, expectedHash [32]byte) (string, error) {
	ctx, err := a.getContext(id)
	if err != nil {
		return "", err
	}

	ctx.mu.Lock()
	if ctx.receivedCount.Load() < ctx.totalChunks {
		ctx.mu.Unlock()
		return "", fmt.Errorf("%w: %d/%d chunks received", xferr.ErrIncomplete, ctx.receivedCount.Load(), ctx.totalChunks)
	}

	if err := ctx.file.Sync(); err != nil {
		ctx.mu.Unlock()
		return "", fmt.Errorf("%w: syncing %s: %v", xferr.ErrFileWriteError, ctx.tempPath, err)
	}
	if err := ctx.file.Close(); err != nil {
		ctx.mu.Unlock()
		return "", fmt.Errorf("%w: closing %s: %v", xferr.ErrFileWriteError, ctx.tempPath, err)
	}
	ctx.mu.Unlock()

	actualHash, err := checksum.SHA256File(ctx.tempPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", xferr.ErrFileReadError, err)
	}

	var zero [32]byte
	if expectedHash != zero && actualHash != expectedHash {
		return "", fmt.Errorf("%w: transfer %s", xferr.ErrHashMismatch, id)
	}

	finalPath, err := renameWithCollisionSuffix(ctx.tempPath, a.outputDir, ctx.filename, id)
	if err != nil {
		return "", err
	}

	a.contextsMu.Lock()
	delete(a.contexts, id)
	a.contextsMu.Unlock()

	return finalPath, nil
}

// renameWithCollisionSuffix renames tempPath to outputDir/filename,
// suffixing "-<short_id>" before the extension if that name already exists
// (spec.md §6/§9: "suffix with a short unique token").
func renameWithCollisionSuffix(tempPath, outputDir, filename string, id transfer.ID) (string, error) {
	finalPath := filepath.Join(outputDir, filename)
	if _, err := os.Stat(finalPath); err == nil {
		ext := filepath.Ext(filename)
		base := filename[:len(filename)-len(ext)]
		shortID := shortToken(id)
		finalPath = filepath.Join(outputDir, fmt.Sprintf("%s-%s%s", base, shortID, ext))
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %v", xferr.ErrRenameFailed, tempPath, finalPath, err)
	}
	return finalPath, nil
}

// shortToken derives an 8-character collision-disambiguation token from a
// transfer id, stable for the lifetime of that id.
func shortToken(id transfer.ID) string {
	sum := sha256.Sum256(id[:])
	return fmt.Sprintf("%x", sum[:4])
}

// CancelSession closes the file handle, unlinks the temp file and drops the
// context. Idempotent.
func (a *Assembler) CancelSession(id transfer.ID) error {
	a.contextsMu.Lock()
	ctx, ok := a.contexts[id]
	if ok {
		delete(a.contexts, id)
	}
	a.contextsMu.Unlock()
	if !ok {
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.file != nil {
		ctx.file.Close()
	}
	return os.Remove(ctx.tempPath)
}
