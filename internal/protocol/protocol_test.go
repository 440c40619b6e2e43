// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/chunktransfer/chunktransfer/internal/transfer"
)

func TestHandshake_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := transfer.NewID()
	want := Handshake{
		Version:     ProtocolVersion,
		TransferID:  id,
		FileSize:    1048576,
		ChunkSize:   262144,
		TotalChunks: 4,
		SHA256:      sha256.Sum256([]byte("test payload")),
		Filename:    "report.pdf",
	}

	if err := WriteHandshake(&buf, want); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	hs, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}

	if hs.Version != want.Version {
		t.Errorf("expected version %d, got %d", want.Version, hs.Version)
	}
	if hs.TransferID != want.TransferID {
		t.Errorf("expected transfer id %s, got %s", want.TransferID, hs.TransferID)
	}
	if hs.FileSize != want.FileSize {
		t.Errorf("expected file size %d, got %d", want.FileSize, hs.FileSize)
	}
	if hs.ChunkSize != want.ChunkSize {
		t.Errorf("expected chunk size %d, got %d", want.ChunkSize, hs.ChunkSize)
	}
	if hs.TotalChunks != want.TotalChunks {
		t.Errorf("expected total chunks %d, got %d", want.TotalChunks, hs.TotalChunks)
	}
	if hs.SHA256 != want.SHA256 {
		t.Errorf("sha256 mismatch")
	}
	if hs.Filename != want.Filename {
		t.Errorf("expected filename %q, got %q", want.Filename, hs.Filename)
	}
}

func TestACK_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		message string
	}{
		{"GO with empty message", StatusGo, ""},
		{"FULL with message", StatusFull, "destination storage full"},
		{"BUSY with message", StatusBusy, "transfer already in progress"},
		{"REJECT with message", StatusReject, "client not authorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			if err := WriteACK(&buf, tt.status, tt.message); err != nil {
				t.Fatalf("WriteACK: %v", err)
			}

			ack, err := ReadACK(&buf)
			if err != nil {
				t.Fatalf("ReadACK: %v", err)
			}

			if ack.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ack.Status)
			}
			if ack.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, ack.Message)
			}
		})
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	id := transfer.NewID()
	data := []byte("hello, chunked world")
	c := transfer.Chunk{
		ID:          id,
		Index:       3,
		TotalChunks: 10,
		Offset:      3 * 262144,
		Flags:       0,
		Checksum:    0xDEADBEEF,
		Data:        data,
	}

	var buf bytes.Buffer
	if err := WriteChunk(&buf, c); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	got, err := ReadChunk(&buf)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}

	if got.ID != c.ID {
		t.Errorf("expected transfer id %s, got %s", c.ID, got.ID)
	}
	if got.Index != c.Index {
		t.Errorf("expected index %d, got %d", c.Index, got.Index)
	}
	if got.TotalChunks != c.TotalChunks {
		t.Errorf("expected total chunks %d, got %d", c.TotalChunks, got.TotalChunks)
	}
	if got.Offset != c.Offset {
		t.Errorf("expected offset %d, got %d", c.Offset, got.Offset)
	}
	if got.Checksum != c.Checksum {
		t.Errorf("expected checksum %x, got %x", c.Checksum, got.Checksum)
	}
	if !bytes.Equal(got.Data, c.Data) {
		t.Errorf("expected data %q, got %q", c.Data, got.Data)
	}
}

func TestChunk_LastFlag(t *testing.T) {
	id := transfer.NewID()
	c := transfer.Chunk{
		ID:          id,
		Index:       9,
		TotalChunks: 10,
		Offset:      9 * 262144,
		Flags:       transfer.FlagLastChunk,
		Checksum:    1,
		Data:        []byte("final"),
	}

	var buf bytes.Buffer
	if err := WriteChunk(&buf, c); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	got, err := ReadChunk(&buf)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !got.IsLast() {
		t.Errorf("expected IsLast() true for last chunk")
	}
}

func TestTrailer_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	idBytes, err := transfer.NewID().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var transferID [16]byte
	copy(transferID[:], idBytes)

	if err := WriteTrailer(&buf, transferID); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}

	trailer, err := ReadTrailer(&buf)
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}

	if trailer.TransferID != transferID {
		t.Errorf("transfer id mismatch")
	}
}

func TestFinalACK_RoundTrip(t *testing.T) {
	statuses := []byte{FinalStatusOK, FinalStatusHashMismatch, FinalStatusWriteError, FinalStatusIncomplete}

	for _, status := range statuses {
		var buf bytes.Buffer

		if err := WriteFinalACK(&buf, status); err != nil {
			t.Fatalf("WriteFinalACK: %v", err)
		}

		ack, err := ReadFinalACK(&buf)
		if err != nil {
			t.Fatalf("ReadFinalACK: %v", err)
		}

		if ack.Status != status {
			t.Errorf("expected status %d, got %d", status, ack.Status)
		}
	}
}

func TestHealthCheck_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WritePing(&buf); err != nil {
		t.Fatalf("WritePing: %v", err)
	}

	if err := ReadPing(&buf); err != nil {
		t.Fatalf("ReadPing: %v", err)
	}

	var buf2 bytes.Buffer
	diskFree := uint64(1024 * 1024 * 1024 * 50) // 50 GB

	if err := WriteHealthResponse(&buf2, HealthStatusReady, diskFree); err != nil {
		t.Fatalf("WriteHealthResponse: %v", err)
	}

	resp, err := ReadHealthResponse(&buf2)
	if err != nil {
		t.Fatalf("ReadHealthResponse: %v", err)
	}

	if resp.Status != HealthStatusReady {
		t.Errorf("expected status %d, got %d", HealthStatusReady, resp.Status)
	}
	if resp.DiskFree != diskFree {
		t.Errorf("expected disk free %d, got %d", diskFree, resp.DiskFree)
	}
}

func TestHandshake_InvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("XXXX")) // magic errado
	buf.WriteByte(ProtocolVersion)
	buf.Write(make([]byte, 16+8+4+8+32))
	buf.Write([]byte("file.bin\n"))

	_, err := ReadHandshake(&buf)
	if err == nil {
		t.Fatal("expected error for invalid magic")
	}
}

func TestHandshake_InvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicHandshake[:])
	buf.WriteByte(0xFF) // versão inválida
	buf.Write(make([]byte, 16+8+4+8+32))
	buf.Write([]byte("file.bin\n"))

	_, err := ReadHandshake(&buf)
	if err == nil {
		t.Fatal("expected error for invalid version")
	}
}

func TestTrailer_InvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("FAIL"))
	buf.Write(make([]byte, 16))

	_, err := ReadTrailer(&buf)
	if err == nil {
		t.Fatal("expected error for invalid trailer magic")
	}
}

func TestPing_InvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("NOPE"))

	err := ReadPing(&buf)
	if err == nil {
		t.Fatal("expected error for invalid ping magic")
	}
}

func TestHandshake_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("XF")) // apenas 2 bytes, magic incompleto

	_, err := ReadHandshake(&buf)
	if err == nil {
		t.Fatal("expected error for truncated handshake")
	}
}

func TestTrailer_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicTrailer[:])
	buf.Write(make([]byte, 4)) // transfer id incompleto (precisa de 16 bytes)

	_, err := ReadTrailer(&buf)
	if err == nil {
		t.Fatal("expected error for truncated trailer")
	}
}

func TestChunk_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicChunk[:])
	buf.Write(make([]byte, 10)) // header incompleto (precisa de 52 bytes)

	_, err := ReadChunk(&buf)
	if err == nil {
		t.Fatal("expected error for truncated chunk header")
	}
}

func TestResume_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	idBytes, err := transfer.NewID().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var transferID [16]byte
	copy(transferID[:], idBytes)

	if err := WriteResume(&buf, transferID); err != nil {
		t.Fatalf("WriteResume: %v", err)
	}

	// ReadResume espera que o magic já foi lido pelo dispatcher.
	var magic [4]byte
	if _, err := buf.Read(magic[:]); err != nil {
		t.Fatalf("reading magic: %v", err)
	}
	if magic != MagicResume {
		t.Fatalf("expected magic RSME, got %q", magic)
	}

	resume, err := ReadResume(&buf)
	if err != nil {
		t.Fatalf("ReadResume: %v", err)
	}

	if resume.TransferID != transferID {
		t.Errorf("transfer id mismatch")
	}
}

func TestResumeACK_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	status := ResumeStatusOK
	missing := []uint64{2, 5, 9}

	if err := WriteResumeACK(&buf, status, missing); err != nil {
		t.Fatalf("WriteResumeACK: %v", err)
	}

	rACK, err := ReadResumeACK(&buf)
	if err != nil {
		t.Fatalf("ReadResumeACK: %v", err)
	}

	if rACK.Status != status {
		t.Errorf("expected status %d, got %d", status, rACK.Status)
	}
	if len(rACK.MissingIndices) != len(missing) {
		t.Fatalf("expected %d missing indices, got %d", len(missing), len(rACK.MissingIndices))
	}
	for i, idx := range missing {
		if rACK.MissingIndices[i] != idx {
			t.Errorf("expected missing index %d at %d, got %d", idx, i, rACK.MissingIndices[i])
		}
	}
}

func TestResumeACK_EmptyMissing(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteResumeACK(&buf, ResumeStatusOK, nil); err != nil {
		t.Fatalf("WriteResumeACK: %v", err)
	}

	rACK, err := ReadResumeACK(&buf)
	if err != nil {
		t.Fatalf("ReadResumeACK: %v", err)
	}
	if len(rACK.MissingIndices) != 0 {
		t.Errorf("expected no missing indices, got %d", len(rACK.MissingIndices))
	}
}

func TestNack_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	idBytes, err := transfer.NewID().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var transferID [16]byte
	copy(transferID[:], idBytes)
	indices := []uint64{0, 1, 4}

	if err := WriteNack(&buf, transferID, indices); err != nil {
		t.Fatalf("WriteNack: %v", err)
	}

	var magic [4]byte
	if _, err := buf.Read(magic[:]); err != nil {
		t.Fatalf("reading magic: %v", err)
	}
	if magic != MagicNack {
		t.Fatalf("expected magic NACK, got %q", magic)
	}

	nack, err := ReadNack(&buf)
	if err != nil {
		t.Fatalf("ReadNack: %v", err)
	}
	if nack.TransferID != transferID {
		t.Errorf("transfer id mismatch")
	}
	if len(nack.Indices) != len(indices) {
		t.Fatalf("expected %d indices, got %d", len(indices), len(nack.Indices))
	}
}
