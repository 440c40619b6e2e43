// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package splitter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chunktransfer/chunktransfer/internal/checksum"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

const testChunkSize = transfer.MinChunkSize // 4 KiB, smallest valid chunk size

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func fill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestSplitter_RejectsInvalidChunkSize(t *testing.T) {
	if _, err := New(transfer.Config{ChunkSize: 1}); !errors.Is(err, xferr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSplitter_SplitYieldsChunksInOrder(t *testing.T) {
	content := fill(int(testChunkSize)*2 + 5)
	path := writeTempFile(t, content)

	s, err := New(transfer.Config{ChunkSize: testChunkSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cur, err := s.Split(path, transfer.NewID())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	defer cur.Close()

	if cur.TotalChunks() != 3 {
		t.Fatalf("expected 3 chunks, got %d", cur.TotalChunks())
	}

	var got []byte
	count := 0
	for cur.HasNext() {
		chunk, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if chunk.Index != uint64(count) {
			t.Errorf("expected index %d, got %d", count, chunk.Index)
		}
		if chunk.Checksum != checksum.CRC32(chunk.Data) {
			t.Errorf("checksum mismatch at index %d", count)
		}
		got = append(got, chunk.Data...)
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 iterations, got %d", count)
	}
	if string(got) != string(content) {
		t.Error("reassembled content does not match original")
	}
}

func TestSplitter_LastChunkFlagSet(t *testing.T) {
	path := writeTempFile(t, fill(int(testChunkSize)+5))
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})
	cur, err := s.Split(path, transfer.NewID())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	defer cur.Close()

	first, _ := cur.Next()
	if first.Flags.Has(transfer.FlagLastChunk) {
		t.Error("first chunk should not have FlagLastChunk set")
	}
	last, _ := cur.Next()
	if !last.Flags.Has(transfer.FlagLastChunk) {
		t.Error("last chunk should have FlagLastChunk set")
	}
	if len(last.Data) != 5 {
		t.Errorf("expected last chunk of 5 bytes, got %d", len(last.Data))
	}
}

func TestSplitter_OutOfOrderNextToleratesReseek(t *testing.T) {
	content := fill(int(testChunkSize) * 3)
	path := writeTempFile(t, content)
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})
	cur, err := s.Split(path, transfer.NewID())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	defer cur.Close()

	// Re-seeking the underlying file handle out from under the cursor must
	// not corrupt the next Next() read, since Next always seeks first.
	if _, err := cur.file.Seek(int64(testChunkSize)*2, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	chunk, err := cur.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(chunk.Data) != string(content[:testChunkSize]) {
		t.Error("chunk 0 content mismatch after external reseek")
	}
}

func TestSplitter_NextPastEndReturnsError(t *testing.T) {
	path := writeTempFile(t, fill(5))
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})
	cur, err := s.Split(path, transfer.NewID())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	defer cur.Close()

	if _, err := cur.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cur.HasNext() {
		t.Fatal("expected no more chunks")
	}
	if _, err := cur.Next(); !errors.Is(err, xferr.ErrInvalidChunkIndex) {
		t.Errorf("expected ErrInvalidChunkIndex, got %v", err)
	}
}

func TestSplitter_SplitMissingFile(t *testing.T) {
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})
	_, err := s.Split(filepath.Join(t.TempDir(), "nope.bin"), transfer.NewID())
	if !errors.Is(err, xferr.ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestSplitter_CalculateMetadata(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, content)
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})

	md, err := s.CalculateMetadata(path)
	if err != nil {
		t.Fatalf("CalculateMetadata: %v", err)
	}
	want, err := checksum.SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	if md.SHA256Hash != want {
		t.Error("metadata hash mismatch")
	}
	if md.FileSize != uint64(len(content)) {
		t.Errorf("expected file size %d, got %d", len(content), md.FileSize)
	}
	if md.TotalChunks != transfer.TotalChunksFor(md.FileSize, testChunkSize) {
		t.Error("total chunks mismatch")
	}
}

func TestCursor_CloseIsIdempotent(t *testing.T) {
	path := writeTempFile(t, []byte("x"))
	s, _ := New(transfer.Config{ChunkSize: testChunkSize})
	cur, err := s.Split(path, transfer.NewID())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
