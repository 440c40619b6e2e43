// Package splitter implements the deterministic chunk splitter: a lazy,
// restartable cursor that streams a file as an ordered sequence of
// integrity-tagged chunks without buffering the whole file in memory.
//
// Grounded on original_source/src/core/chunk_splitter.cpp: every call to
// Next seeks to index*chunk_size before reading, so the cursor tolerates
// the underlying file handle being re-seeked between yields (producing
// chunk N is O(1) I/O regardless of call order), and the last chunk's read
// size is adjusted to the file's remaining bytes rather than chunk_size.
package splitter

import (
	"fmt"
	"io"
	"os"

	"github.com/chunktransfer/chunktransfer/internal/checksum"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// Splitter produces Cursors for a fixed chunk configuration.
type Splitter struct {
	config transfer.Config
}

// New constructs a Splitter with the given chunk configuration.
func New(config transfer.Config) (*Splitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{config: config}, nil
}

// Config returns the splitter's chunk configuration.
func (s *Splitter) Config() transfer.Config {
	return s.config
}

// Split opens path and returns a move-only, single-pass Cursor yielding
// chunks for id in ascending index. Split itself does one stat call; no
// file bytes are read until Next is called.
func (s *Splitter) Split(path string, id transfer.ID) (*Cursor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", xferr.ErrFileAccessDenied, path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", xferr.ErrFileAccessDenied, path, err)
	}

	fileSize := uint64(info.Size())
	totalChunks := transfer.TotalChunksFor(fileSize, s.config.ChunkSize)

	return &Cursor{
		file:        f,
		config:      s.config,
		id:          id,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		buf:         make([]byte, s.config.ChunkSize),
	}, nil
}

// CalculateMetadata computes the full FileMetadata for path, including one
// full streaming read for the SHA-256 hash.
func (s *Splitter) CalculateMetadata(path string) (transfer.FileMetadata, error) {
	var md transfer.FileMetadata

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return md, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, path)
		}
		return md, fmt.Errorf("%w: stat %s: %v", xferr.ErrFileAccessDenied, path, err)
	}

	hash, err := checksum.SHA256File(path)
	if err != nil {
		return md, fmt.Errorf("%w: %v", xferr.ErrFileReadError, err)
	}

	fileSize := uint64(info.Size())
	md = transfer.FileMetadata{
		Filename:    info.Name(),
		FileSize:    fileSize,
		ChunkSize:   s.config.ChunkSize,
		TotalChunks: transfer.TotalChunksFor(fileSize, s.config.ChunkSize),
		SHA256Hash:  hash,
	}
	return md, nil
}

// Cursor is a move-only, non-clonable, seek-capable chunk iterator. Go has
// no move semantics to enforce at compile time, so by convention a Cursor
// must not be used from more than one goroutine concurrently and must not
// be copied after first use (it owns a single *os.File).
type Cursor struct {
	file        *os.File
	config      transfer.Config
	id          transfer.ID
	fileSize    uint64
	totalChunks uint64
	currentIdx  uint64
	buf         []byte
	closed      bool
}

// HasNext reports whether another chunk remains.
func (c *Cursor) HasNext() bool {
	return c.currentIdx < c.totalChunks
}

// CurrentIndex returns the index that the next call to Next will produce.
func (c *Cursor) CurrentIndex() uint64 {
	return c.currentIdx
}

// TotalChunks returns the total number of chunks this cursor will yield.
func (c *Cursor) TotalChunks() uint64 {
	return c.totalChunks
}

// FileSize returns the size of the file being split.
func (c *Cursor) FileSize() uint64 {
	return c.fileSize
}

// Next reads chunk_size bytes (or the remainder for the final chunk) at
// index*chunk_size, sets FlagLastChunk on the final index, computes CRC-32
// and returns the chunk. A short read on a non-final chunk signals
// ErrFileReadError — it indicates concurrent truncation of the source file.
func (c *Cursor) Next() (transfer.Chunk, error) {
	if !c.HasNext() {
		return transfer.Chunk{}, fmt.Errorf("%w: no more chunks available", xferr.ErrInvalidChunkIndex)
	}

	offset := c.currentIdx * uint64(c.config.ChunkSize)
	bytesToRead := uint64(c.config.ChunkSize)
	isLast := c.currentIdx == c.totalChunks-1
	if isLast {
		bytesToRead = c.fileSize - offset
	}

	if _, err := c.file.Seek(int64(offset), io.SeekStart); err != nil {
		return transfer.Chunk{}, fmt.Errorf("%w: seek to %d: %v", xferr.ErrFileReadError, offset, err)
	}

	buf := c.buf[:bytesToRead]
	n, err := io.ReadFull(c.file, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return transfer.Chunk{}, fmt.Errorf("%w: %v", xferr.ErrFileReadError, err)
	}
	if uint64(n) != bytesToRead {
		return transfer.Chunk{}, fmt.Errorf("%w: expected %d bytes, read %d (file truncated?)", xferr.ErrFileReadError, bytesToRead, n)
	}

	data := make([]byte, n)
	copy(data, buf)

	chunk := transfer.Chunk{
		ID:          c.id,
		Index:       c.currentIdx,
		TotalChunks: c.totalChunks,
		Offset:      offset,
		Checksum:    checksum.CRC32(data),
		Data:        data,
	}
	if isLast {
		chunk.Flags |= transfer.FlagLastChunk
	}

	c.currentIdx++
	return chunk, nil
}

// Close releases the underlying file handle. Idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}
