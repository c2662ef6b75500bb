// Package manifest computes and serializes the content-addressed file
// manifest exchanged between sender and receiver: per-chunk and whole-file
// SHA-256 digests, chunk geometry, and transfer metadata.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/p2pshare/core/pkg/wire/cborcodec"
	"github.com/p2pshare/core/pkg/xcrypto"
)

// DefaultChunkSize is the chunk size used when the caller does not specify one.
const DefaultChunkSize uint32 = 262144

// MaxSerializedSize bounds the manifest's wire-encoded size to keep receiver
// memory use predictable.
const MaxSerializedSize = 1 << 20 // 1 MiB

// ErrMalformed wraps every manifest validation failure (bad digest length,
// chunk-count mismatch, oversize encoding, missing required fields).
var ErrMalformed = errors.New("manifest: malformed")

// Manifest is the immutable, content-addressed description of a file being
// transferred. It is built once by the sender and reconstructed verbatim by
// the receiver before chunking begins.
type Manifest struct {
	FileName     string
	FileSize     uint64
	ChunkSize    uint32
	ChunkCount   uint32
	ChunkHashes  [][32]byte
	FileHash     [32]byte
	MimeType     string
	LastModified *int64 // epoch milliseconds, optional
	TransferID   string
}

// wireManifest is the canonical CBOR shape of a Manifest: digests are
// hex-encoded strings so the serialized form is self-describing text at the
// field level, per the transfer protocol's external interface.
type wireManifest struct {
	FileName     string   `cbor:"file_name"`
	FileSize     uint64   `cbor:"file_size"`
	ChunkSize    uint32   `cbor:"chunk_size"`
	ChunkCount   uint32   `cbor:"chunk_count"`
	ChunkHashes  []string `cbor:"chunk_hashes"`
	FileHash     string   `cbor:"file_hash"`
	MimeType     string   `cbor:"mime_type,omitempty"`
	LastModified *int64   `cbor:"last_modified,omitempty"`
	TransferID   string   `cbor:"transfer_id"`
}

// ChunkCountFor returns ceil(max(size,1)/chunkSize) chunks, except that an
// empty file yields zero chunks (the Open Question in the protocol's design
// notes is resolved in favor of no synthetic sentinel chunk).
func ChunkCountFor(size uint64, chunkSize uint32) uint32 {
	if size == 0 {
		return 0
	}
	cs := uint64(chunkSize)
	return uint32((size + cs - 1) / cs)
}

// ChunkAddress returns the byte offset and size of chunk index within a file
// described by the given total size and chunk size.
func ChunkAddress(totalSize uint64, chunkSize uint32, count uint32, index uint32) (offset, size uint64, err error) {
	if index >= count {
		return 0, 0, fmt.Errorf("manifest: chunk index %d out of range [0,%d)", index, count)
	}
	offset = uint64(index) * uint64(chunkSize)
	if index == count-1 {
		size = totalSize - offset
	} else {
		size = uint64(chunkSize)
	}
	return offset, size, nil
}

// BuildManifest streams path in blocks of chunkSize, computing the per-chunk
// and whole-file SHA-256 digests in a single pass.
func BuildManifest(path string, chunkSize uint32, transferID string) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("manifest: chunk size cannot be zero")
	}
	if transferID == "" {
		return nil, fmt.Errorf("manifest: transfer id cannot be empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
	}

	size := uint64(info.Size())
	count := ChunkCountFor(size, chunkSize)

	chunkHashes := make([][32]byte, 0, count)
	whole := xcrypto.NewStreamingSHA256()

	buf := make([]byte, chunkSize)
	for remaining := size; remaining > 0; {
		want := uint64(chunkSize)
		if remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return nil, fmt.Errorf("manifest: read %s: %w", path, err)
		}
		block := buf[:n]
		chunkHashes = append(chunkHashes, xcrypto.SHA256(block))
		whole.Write(block)
		remaining -= uint64(n)
	}

	var mimeType string
	filename := filepath.Base(path)
	if ext := filepath.Ext(path); ext != "" {
		mimeType = mime.TypeByExtension(ext)
	}

	var lastModified *int64
	if ms := info.ModTime().UnixMilli(); ms > 0 {
		lastModified = &ms
	}

	return &Manifest{
		FileName:     filename,
		FileSize:     size,
		ChunkSize:    chunkSize,
		ChunkCount:   count,
		ChunkHashes:  chunkHashes,
		FileHash:     whole.Sum(),
		MimeType:     mimeType,
		LastModified: lastModified,
		TransferID:   transferID,
	}, nil
}

// MarshalWire encodes the manifest as canonical CBOR with hex-encoded digests.
func (m *Manifest) MarshalWire() ([]byte, error) {
	hashes := make([]string, len(m.ChunkHashes))
	for i, h := range m.ChunkHashes {
		hashes[i] = hex.EncodeToString(h[:])
	}
	wm := wireManifest{
		FileName:     m.FileName,
		FileSize:     m.FileSize,
		ChunkSize:    m.ChunkSize,
		ChunkCount:   m.ChunkCount,
		ChunkHashes:  hashes,
		FileHash:     hex.EncodeToString(m.FileHash[:]),
		MimeType:     m.MimeType,
		LastModified: m.LastModified,
		TransferID:   m.TransferID,
	}
	data, err := cborcodec.Marshal(wm)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	if len(data) > MaxSerializedSize {
		return nil, fmt.Errorf("%w: serialized manifest is %d bytes", ErrMalformed, len(data))
	}
	return data, nil
}

// ParseManifestWire decodes and validates a manifest's wire encoding,
// enforcing every invariant from the transfer protocol: digest lengths,
// digest-count/chunk-count agreement, the derived chunk-count formula,
// nonempty identifiers, and the serialized-size cap.
func ParseManifestWire(data []byte) (*Manifest, error) {
	if len(data) > MaxSerializedSize {
		return nil, fmt.Errorf("%w: serialized manifest is %d bytes", ErrMalformed, len(data))
	}

	var wm wireManifest
	if err := cborcodec.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if wm.TransferID == "" || wm.FileName == "" {
		return nil, fmt.Errorf("%w: transfer id and file name must be nonempty", ErrMalformed)
	}
	if wm.ChunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk size cannot be zero", ErrMalformed)
	}
	if uint32(len(wm.ChunkHashes)) != wm.ChunkCount {
		return nil, fmt.Errorf("%w: chunk count %d does not match %d digests", ErrMalformed, wm.ChunkCount, len(wm.ChunkHashes))
	}
	if want := ChunkCountFor(wm.FileSize, wm.ChunkSize); want != wm.ChunkCount {
		return nil, fmt.Errorf("%w: chunk count %d does not match ceil(size/chunk_size) = %d", ErrMalformed, wm.ChunkCount, want)
	}

	fileHash, err := decodeDigest(wm.FileHash)
	if err != nil {
		return nil, fmt.Errorf("%w: file hash: %v", ErrMalformed, err)
	}

	chunkHashes := make([][32]byte, len(wm.ChunkHashes))
	for i, h := range wm.ChunkHashes {
		digest, err := decodeDigest(h)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d digest: %v", ErrMalformed, i, err)
		}
		chunkHashes[i] = digest
	}

	return &Manifest{
		FileName:     wm.FileName,
		FileSize:     wm.FileSize,
		ChunkSize:    wm.ChunkSize,
		ChunkCount:   wm.ChunkCount,
		ChunkHashes:  chunkHashes,
		FileHash:     fileHash,
		MimeType:     wm.MimeType,
		LastModified: wm.LastModified,
		TransferID:   wm.TransferID,
	}, nil
}

func decodeDigest(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// ChunkAddress returns the byte offset and size of the given chunk index
// within this manifest's file.
func (m *Manifest) ChunkAddress(index uint32) (offset, size uint64, err error) {
	return ChunkAddress(m.FileSize, m.ChunkSize, m.ChunkCount, index)
}
