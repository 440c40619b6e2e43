package transfer

import "time"

// Status is the persisted lifecycle status of a transfer_state record
// (distinct from the richer controller.State machine, which also has the
// idle and cancelled states; neither of those is persisted here).
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the durable twin of an assembly_context: everything the resume
// handler needs to persist so an interrupted transfer can resume at the
// last acknowledged chunk (spec.md §3 transfer_state).
//
// Invariant: BytesWritten == sum of chunk sizes for set bits in Bitmap;
// ReceivedCount() == popcount(Bitmap) <= TotalChunks.
type State struct {
	ID           ID
	Filename     string
	FileSize     uint64
	ChunkSize    uint32
	TotalChunks  uint64
	SHA256Hash   [32]byte
	Bitmap       []bool
	BytesWritten uint64
	UpdatedAt    time.Time
	Status       Status
}

// NewState constructs the initial (all-zero-bitmap) state for a freshly
// started transfer.
func NewState(id ID, filename string, fileSize uint64, chunkSize uint32, totalChunks uint64, sha256Hash [32]byte) State {
	return State{
		ID:          id,
		Filename:    filename,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		SHA256Hash:  sha256Hash,
		Bitmap:      make([]bool, totalChunks),
		Status:      StatusActive,
		UpdatedAt:   time.Now(),
	}
}

// ReceivedCount returns popcount(Bitmap).
func (s State) ReceivedCount() uint64 {
	var n uint64
	for _, b := range s.Bitmap {
		if b {
			n++
		}
	}
	return n
}
