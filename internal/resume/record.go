package resume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// magic identifies both the snapshot and the journal file (spec.md §6:
// "<state_dir>/snapshot.dat — magic RSM1 ... <state_dir>/journal.log —
// same magic, append-only records").
var magic = [4]byte{'R', 'S', 'M', '1'}

const snapshotVersion uint32 = 1

const (
	kindUpsert    byte = 0
	kindTombstone byte = 1
)

func statusByte(s transfer.Status) byte {
	switch s {
	case transfer.StatusActive:
		return 0
	case transfer.StatusPaused:
		return 1
	case transfer.StatusCompleted:
		return 2
	case transfer.StatusFailed:
		return 3
	default:
		return 0
	}
}

func byteStatus(b byte) transfer.Status {
	switch b {
	case 1:
		return transfer.StatusPaused
	case 2:
		return transfer.StatusCompleted
	case 3:
		return transfer.StatusFailed
	default:
		return transfer.StatusActive
	}
}

// encodeState serializes a transfer.State: id(16) + filename(u16 len +
// bytes) + file_size(u64) + chunk_size(u32) + total_chunks(u64) + sha256(32)
// + packed bitmap(ceil(total_chunks/8) bytes) + bytes_written(u64) +
// updated_at(int64 unix nano) + status(1 byte).
func encodeState(s transfer.State) []byte {
	var buf bytes.Buffer
	buf.Write(s.ID[:])

	nameBytes := []byte(s.Filename)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(nameBytes)))
	buf.Write(nameLen[:])
	buf.Write(nameBytes)

	var u64buf [8]byte
	binary.BigEndian.PutUint64(u64buf[:], s.FileSize)
	buf.Write(u64buf[:])

	var u32buf [4]byte
	binary.BigEndian.PutUint32(u32buf[:], s.ChunkSize)
	buf.Write(u32buf[:])

	binary.BigEndian.PutUint64(u64buf[:], s.TotalChunks)
	buf.Write(u64buf[:])

	buf.Write(s.SHA256Hash[:])

	packed := packBitmap(s.Bitmap)
	buf.Write(packed)

	binary.BigEndian.PutUint64(u64buf[:], s.BytesWritten)
	buf.Write(u64buf[:])

	binary.BigEndian.PutUint64(u64buf[:], uint64(s.UpdatedAt.UnixNano()))
	buf.Write(u64buf[:])

	buf.WriteByte(statusByte(s.Status))

	return buf.Bytes()
}

func decodeState(data []byte) (transfer.State, error) {
	var s transfer.State
	if len(data) < 16+2 {
		return s, fmt.Errorf("%w: state record too short", xferr.ErrCorrupt)
	}
	copy(s.ID[:], data[0:16])
	nameLen := int(binary.BigEndian.Uint16(data[16:18]))
	off := 18
	if len(data) < off+nameLen {
		return s, fmt.Errorf("%w: truncated filename", xferr.ErrCorrupt)
	}
	s.Filename = string(data[off : off+nameLen])
	off += nameLen

	if len(data) < off+8+4+8+32 {
		return s, fmt.Errorf("%w: truncated fixed fields", xferr.ErrCorrupt)
	}
	s.FileSize = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	s.ChunkSize = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	s.TotalChunks = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	copy(s.SHA256Hash[:], data[off:off+32])
	off += 32

	bitmapBytes := (int(s.TotalChunks) + 7) / 8
	if len(data) < off+bitmapBytes+8+8+1 {
		return s, fmt.Errorf("%w: truncated bitmap/trailer", xferr.ErrCorrupt)
	}
	s.Bitmap = unpackBitmap(data[off:off+bitmapBytes], s.TotalChunks)
	off += bitmapBytes

	s.BytesWritten = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	s.UpdatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[off:off+8])))
	off += 8
	s.Status = byteStatus(data[off])

	return s, nil
}

func packBitmap(bitmap []bool) []byte {
	out := make([]byte, (len(bitmap)+7)/8)
	for i, set := range bitmap {
		if set {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBitmap(packed []byte, count uint64) []bool {
	out := make([]bool, count)
	for i := range out {
		if packed[i/8]&(1<<uint(i%8)) != 0 {
			out[i] = true
		}
	}
	return out
}

// writeRecord appends one framed record: [u32 length][u8 kind][payload][u32 crc32].
// The CRC covers kind+payload (spec.md §6: "u32 CRC-32 of the preceding bytes").
func writeRecord(w interface{ Write([]byte) (int, error) }, kind byte, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = kind
	copy(body[1:], payload)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	crc := crc32.ChecksumIEEE(body)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if _, err := w.Write(trailer[:]); err != nil {
		return err
	}
	return nil
}

// record is one parsed [kind, payload] pair from a journal or snapshot.
type record struct {
	kind    byte
	payload []byte
}

// readRecords parses every well-formed record from data, stopping (without
// error) at the first record whose CRC fails or whose length overruns the
// buffer — that marks an incomplete tail write from a crash mid-append
// (spec.md §4.4: "incomplete tail records (bad CRC) are discarded").
func readRecords(data []byte) []record {
	var records []record
	off := 0
	for off+4+1+4 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		bodyEnd := off + 4 + 1 + length
		trailerEnd := bodyEnd + 4
		if length < 0 || trailerEnd > len(data) {
			break
		}
		body := data[off+4 : bodyEnd]
		wantCRC := binary.BigEndian.Uint32(data[bodyEnd:trailerEnd])
		if crc32.ChecksumIEEE(body) != wantCRC {
			break
		}
		records = append(records, record{kind: body[0], payload: append([]byte(nil), body[1:]...)})
		off = trailerEnd
	}
	return records
}
