// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chunktransfer/chunktransfer/internal/transfer"
)

// maxLineLength bounds the length-delimited UTF-8 strings carried in
// handshake/ack frames (filenames, messages) so a malicious or truncated
// peer cannot force unbounded buffering.
const maxLineLength = 4096

// ErrLineTooLong is returned when a length-delimited field exceeds maxLineLength.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// readLineLimited reads a '\n'-delimited string, refusing to buffer more
// than limit bytes before the delimiter is found.
func readLineLimited(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		n := len(line)
		if err == nil {
			n-- // the delimiter does not count toward the limit
		}
		if n > limit {
			return "", ErrLineTooLong
		}
		if err == nil {
			return string(line[:len(line)-1]), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", fmt.Errorf("reading line: %w", err)
	}
}

// ReadHandshake lê e valida o frame de handshake (Client → Server).
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading handshake magic: %w", err)
	}
	if magic != MagicHandshake {
		return nil, ErrInvalidMagic
	}

	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("reading handshake version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	var transferID [16]byte
	if _, err := io.ReadFull(r, transferID[:]); err != nil {
		return nil, fmt.Errorf("reading handshake transfer id: %w", err)
	}

	var fileSize uint64
	if err := binary.Read(r, binary.BigEndian, &fileSize); err != nil {
		return nil, fmt.Errorf("reading handshake file size: %w", err)
	}

	var chunkSize uint32
	if err := binary.Read(r, binary.BigEndian, &chunkSize); err != nil {
		return nil, fmt.Errorf("reading handshake chunk size: %w", err)
	}

	var totalChunks uint64
	if err := binary.Read(r, binary.BigEndian, &totalChunks); err != nil {
		return nil, fmt.Errorf("reading handshake total chunks: %w", err)
	}

	var sha256Hash [32]byte
	if _, err := io.ReadFull(r, sha256Hash[:]); err != nil {
		return nil, fmt.Errorf("reading handshake sha256: %w", err)
	}

	br := bufio.NewReader(r)
	filename, err := readLineLimited(br, maxLineLength)
	if err != nil {
		return nil, fmt.Errorf("reading handshake filename: %w", err)
	}

	return &Handshake{
		Version:     version[0],
		TransferID:  transferID,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		SHA256:      sha256Hash,
		Filename:    filename,
	}, nil
}

// ReadACK lê o frame ACK (Server → Client).
func ReadACK(r io.Reader) (*ACK, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading ack status: %w", err)
	}

	br := bufio.NewReader(r)
	msg, err := readLineLimited(br, maxLineLength)
	if err != nil {
		return nil, fmt.Errorf("reading ack message: %w", err)
	}

	return &ACK{Status: status[0], Message: msg}, nil
}

// ReadChunk lê um frame de chunk completo, incluindo o magic, o cabeçalho
// fixo de 52 bytes e o payload de payload_length bytes. O magic "XFCK" é
// sempre lido e validado aqui: quem já o consumiu para decidir o tipo de
// frame precisa recolocá-lo à frente do reader (o handler do server usa
// io.MultiReader para isso).
func ReadChunk(r io.Reader) (transfer.Chunk, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return transfer.Chunk{}, fmt.Errorf("reading chunk magic: %w", err)
	}
	if magic != MagicChunk {
		return transfer.Chunk{}, ErrInvalidMagic
	}

	header := make([]byte, ChunkFrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return transfer.Chunk{}, fmt.Errorf("reading chunk header: %w", err)
	}

	id, err := parseTransferIDBytes(header[0:16])
	if err != nil {
		return transfer.Chunk{}, fmt.Errorf("parsing chunk transfer id: %w", err)
	}

	index := binary.BigEndian.Uint64(header[16:24])
	totalChunks := binary.BigEndian.Uint64(header[24:32])
	offset := binary.BigEndian.Uint64(header[32:40])
	payloadLength := binary.BigEndian.Uint32(header[40:44])
	flags := binary.BigEndian.Uint32(header[44:48])
	crc32 := binary.BigEndian.Uint32(header[48:52])

	data := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return transfer.Chunk{}, fmt.Errorf("reading chunk payload: %w", err)
	}

	return transfer.Chunk{
		ID:          id,
		Index:       index,
		TotalChunks: totalChunks,
		Offset:      offset,
		Flags:       transfer.Flags(flags),
		Checksum:    crc32,
		Data:        data,
	}, nil
}

// ReadTrailer lê o frame trailer (Client → Server).
func ReadTrailer(r io.Reader) (*Trailer, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading trailer magic: %w", err)
	}
	if magic != MagicTrailer {
		return nil, ErrInvalidMagic
	}

	var transferID [16]byte
	if _, err := io.ReadFull(r, transferID[:]); err != nil {
		return nil, fmt.Errorf("reading trailer transfer id: %w", err)
	}

	return &Trailer{TransferID: transferID}, nil
}

// ReadFinalACK lê o frame Final ACK (Server → Client).
func ReadFinalACK(r io.Reader) (*FinalACK, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading final ack: %w", err)
	}
	return &FinalACK{Status: status[0]}, nil
}

// ReadPing lê e valida o frame PING (Client → Server).
func ReadPing(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("reading ping magic: %w", err)
	}
	if magic != MagicPing {
		return ErrInvalidMagic
	}
	return nil
}

// ReadHealthResponse lê a resposta do health check (Server → Client).
func ReadHealthResponse(r io.Reader) (*HealthResponse, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading health status: %w", err)
	}

	var diskFree uint64
	if err := binary.Read(r, binary.BigEndian, &diskFree); err != nil {
		return nil, fmt.Errorf("reading health disk free: %w", err)
	}

	var delim [1]byte
	if _, err := io.ReadFull(r, delim[:]); err != nil {
		return nil, fmt.Errorf("reading health delimiter: %w", err)
	}

	return &HealthResponse{Status: status[0], DiskFree: diskFree}, nil
}

// ReadResume lê o frame RESUME (Client → Server). O magic "RSME" já foi lido
// pelo dispatcher; lê version + transferID.
func ReadResume(r io.Reader) (*Resume, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("reading resume version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	var transferID [16]byte
	if _, err := io.ReadFull(r, transferID[:]); err != nil {
		return nil, fmt.Errorf("reading resume transfer id: %w", err)
	}

	return &Resume{TransferID: transferID}, nil
}

// ReadResumeACK lê o frame Resume ACK (Server → Client).
func ReadResumeACK(r io.Reader) (*ResumeACK, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading resume ack status: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading resume ack count: %w", err)
	}

	indices := make([]uint64, count)
	for i := range indices {
		if err := binary.Read(r, binary.BigEndian, &indices[i]); err != nil {
			return nil, fmt.Errorf("reading resume ack index %d: %w", i, err)
		}
	}

	return &ResumeACK{Status: status[0], MissingIndices: indices}, nil
}

// ReadNack lê o frame NACK (Client → Server ou Server → Client, conforme o
// lado que detectou os gaps). O magic "NACK" já foi lido pelo dispatcher.
func ReadNack(r io.Reader) (*Nack, error) {
	var transferID [16]byte
	if _, err := io.ReadFull(r, transferID[:]); err != nil {
		return nil, fmt.Errorf("reading nack transfer id: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading nack count: %w", err)
	}

	indices := make([]uint64, count)
	for i := range indices {
		if err := binary.Read(r, binary.BigEndian, &indices[i]); err != nil {
			return nil, fmt.Errorf("reading nack index %d: %w", i, err)
		}
	}

	return &Nack{TransferID: transferID, Indices: indices}, nil
}

func parseTransferIDBytes(b []byte) (transfer.ID, error) {
	var id transfer.ID
	if err := id.UnmarshalBinary(b); err != nil {
		return transfer.ID{}, err
	}
	return id, nil
}
