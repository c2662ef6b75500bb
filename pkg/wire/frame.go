// Package wire implements the length-prefixed framing used for public keys,
// the encrypted manifest, and encrypted chunk responses, plus the raw
// int32 chunk-request channel that flows in the other direction.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame this protocol will read or write.
// A declared length above this aborts the session with ErrFrameTooLarge.
const MaxFrameSize = 1 << 20 // 1 MiB

// CompletionSentinel is the chunk-index value the receiver sends to signal
// that no further chunk requests will follow.
const CompletionSentinel int32 = -1

// ErrFrameTooLarge is returned when a frame's declared length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrUnexpectedEOF is returned when the connection closes before the
// completion sentinel has been observed on the request channel.
var ErrUnexpectedEOF = errors.New("wire: connection closed before completion sentinel")

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

// WriteChunkRequest writes a raw, unframed big-endian int32 chunk index (or
// CompletionSentinel) to the receiver-to-sender request channel.
func WriteChunkRequest(w io.Writer, index int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	_, err := w.Write(buf[:])
	return err
}

// ReadChunkRequest reads one raw big-endian int32 chunk index.
func ReadChunkRequest(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// EncodeChunkResponse builds the payload of a chunk response frame:
// chunk_index_be32 || encryptedPayload.
func EncodeChunkResponse(index uint32, encryptedPayload []byte) []byte {
	out := make([]byte, 4+len(encryptedPayload))
	binary.BigEndian.PutUint32(out[:4], index)
	copy(out[4:], encryptedPayload)
	return out
}

// DecodeChunkResponse splits a chunk response frame payload into its index
// and encrypted payload.
func DecodeChunkResponse(frame []byte) (index uint32, payload []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("wire: chunk response frame too short (%d bytes)", len(frame))
	}
	index = binary.BigEndian.Uint32(frame[:4])
	payload = frame[4:]
	return index, payload, nil
}
