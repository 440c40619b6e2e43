// Package transfer defines the fixed vocabulary shared across the transfer
// engine: transfer identity, the wire-level chunk, file metadata and the
// chunk size configuration.
package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// ID is the 128-bit opaque transfer identifier, generated by the initiator
// and used as the primary key throughout the engine.
type ID = uuid.UUID

// NewID generates a fresh random transfer identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID parses a transfer identifier from its canonical string form.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parsing transfer id %q: %w", s, err)
	}
	return id, nil
}

// Flags is a bitset carried on each chunk. Only LastChunk is defined today;
// the field is a uint32 on the wire so future flags don't change the frame
// layout.
type Flags uint32

const (
	// FlagLastChunk marks the final chunk of a transfer (bit 0).
	FlagLastChunk Flags = 1 << 0
)

// Has reports whether f has all bits of other set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Chunk is the wire-level unit: a framed, checksummed slice of a file's
// bytes, indexed by position. Invariant: Offset == Index*ChunkSize for every
// non-final chunk; len(Data) <= chunk size; the final chunk may be shorter.
// Checksum MUST equal CRC-32 of Data.
type Chunk struct {
	ID          ID
	Index       uint64
	TotalChunks uint64
	Offset      uint64
	Flags       Flags
	Checksum    uint32
	Data        []byte
}

// IsLast reports whether this is the final chunk of its transfer.
func (c Chunk) IsLast() bool {
	return c.Flags.Has(FlagLastChunk)
}

// FileMetadata describes a file being transferred, independent of chunk
// delivery order.
type FileMetadata struct {
	Filename    string
	FileSize    uint64
	ChunkSize   uint32
	TotalChunks uint64
	SHA256Hash  [32]byte
}

// TotalChunksFor computes total_chunks = max(1, ceil(fileSize/chunkSize)).
// An empty file still has exactly one empty chunk, an explicit design
// choice that keeps the protocol uniform (spec.md §3).
func TotalChunksFor(fileSize uint64, chunkSize uint32) uint64 {
	if chunkSize == 0 {
		return 1
	}
	n := (fileSize + uint64(chunkSize) - 1) / uint64(chunkSize)
	if n == 0 {
		return 1
	}
	return n
}

// Default, minimum and maximum chunk sizes (spec.md §3: default 256 KiB,
// valid range 4 KiB .. 16 MiB).
const (
	DefaultChunkSize uint32 = 256 * 1024
	MinChunkSize     uint32 = 4 * 1024
	MaxChunkSize     uint32 = 16 * 1024 * 1024
)

// Config holds the per-transfer chunking parameters.
type Config struct {
	ChunkSize   uint32
	VerifyCRC32 bool
}

// DefaultConfig returns the engine's default chunk configuration.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, VerifyCRC32: true}
}

// Validate rejects chunk sizes outside [MinChunkSize, MaxChunkSize].
func (c Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size %d out of range [%d, %d]", xferr.ErrInvalidConfig, c.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	return nil
}
