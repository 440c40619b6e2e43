// Package checksum implements the two integrity primitives the transfer
// engine relies on: CRC-32 (IEEE 802.3) per chunk payload and streaming
// SHA-256 per whole file.
package checksum

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
)

// CRC32 returns the IEEE 802.3 CRC-32 of data.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SHA256File streams a file through SHA-256 without holding its contents in
// memory. It re-reads the file from disk, so a caller that has just written
// the file (the assembler on finalize) pays a second full read.
func SHA256File(path string) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, fmt.Errorf("hashing %s: %w", path, err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// StreamHasher wraps crypto/sha256 behind the hash.Hash interface for
// callers that want to feed bytes incrementally. The splitter and the
// assembler do not use it; both hash whole files through SHA256File.
func StreamHasher() hash.Hash {
	return sha256.New()
}
