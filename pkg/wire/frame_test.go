package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte{0x5A}, 70000),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame mismatch: got %d bytes, want %d", len(got), len(want))
		}
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	oversize := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, oversize); err != ErrFrameTooLarge {
		t.Fatalf("WriteFrame(oversize) err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	header[0] = 0xFF // declares a length far beyond MaxFrameSize
	buf.Write(header[:])
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("ReadFrame(oversize header) err = %v, want ErrFrameTooLarge", err)
	}
}

func TestChunkRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	indices := []int32{0, 1, 41, CompletionSentinel}
	for _, idx := range indices {
		if err := WriteChunkRequest(&buf, idx); err != nil {
			t.Fatalf("WriteChunkRequest: %v", err)
		}
	}
	for _, want := range indices {
		got, err := ReadChunkRequest(&buf)
		if err != nil {
			t.Fatalf("ReadChunkRequest: %v", err)
		}
		if got != want {
			t.Fatalf("ReadChunkRequest = %d, want %d", got, want)
		}
	}
	if _, err := ReadChunkRequest(&buf); err != io.EOF {
		t.Fatalf("ReadChunkRequest at EOF = %v, want io.EOF", err)
	}
}

func TestChunkResponseRoundTrip(t *testing.T) {
	payload := []byte("encrypted-bytes-stand-in")
	frame := EncodeChunkResponse(7, payload)

	idx, got, err := DecodeChunkResponse(frame)
	if err != nil {
		t.Fatalf("DecodeChunkResponse: %v", err)
	}
	if idx != 7 {
		t.Fatalf("index = %d, want 7", idx)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestDecodeChunkResponseTooShort(t *testing.T) {
	if _, _, err := DecodeChunkResponse([]byte{0, 1}); err == nil {
		t.Fatalf("DecodeChunkResponse(short frame) returned nil error")
	}
}
