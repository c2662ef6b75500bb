// Package chunkstore assembles a file on disk from out-of-order chunks,
// tracking which chunks have arrived and verifying both per-chunk and
// whole-file digests.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p2pshare/core/pkg/manifest"
	"github.com/p2pshare/core/pkg/xcrypto"
)

// Outcome describes the result of a single StoreChunk call.
type Outcome int

const (
	// Stored means the chunk's digest verified and its bytes were written.
	Stored Outcome = iota
	// Duplicate means the chunk index had already been stored successfully.
	Duplicate
	// Rejected means the chunk failed digest verification and was discarded.
	Rejected
)

// ErrFileDigestMismatch is returned by Finalize when the reassembled file's
// whole-file digest does not match the manifest.
var ErrFileDigestMismatch = errors.New("chunkstore: reassembled file digest mismatch")

// ErrChunkIndexRange is returned when a chunk index lies outside the
// manifest's chunk count.
var ErrChunkIndexRange = errors.New("chunkstore: chunk index out of range")

// Store reassembles a manifest's chunks into a preallocated file on disk.
// A single mutex guards chunk writes and bitmap updates, matching the
// one-mutex-per-shared-resource style used elsewhere in this codebase
// rather than finer-grained per-range locking.
type Store struct {
	manifest *manifest.Manifest
	destPath string

	mu       sync.Mutex
	bitmap   []uint32 // one bit per chunk, set once a chunk verifies and is written
	file     *os.File
	final    bool

	receivedCount atomic.Int64
}

// New pre-sizes destPath to the manifest's file size and returns a Store
// ready to accept chunks.
func New(m *manifest.Manifest, destPath string) (*Store, error) {
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", destPath, err)
	}
	if err := f.Truncate(int64(m.FileSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkstore: truncate %s: %w", destPath, err)
	}

	words := (int(m.ChunkCount) + 31) / 32
	return &Store{
		manifest: m,
		destPath: destPath,
		bitmap:   make([]uint32, words),
		file:     f,
	}, nil
}

func (s *Store) bitSet(index uint32) bool {
	word := s.bitmap[index/32]
	return word&(1<<(index%32)) != 0
}

func (s *Store) bitMark(index uint32) {
	s.bitmap[index/32] |= 1 << (index % 32)
}

// StoreChunk verifies data against the manifest's digest for index, writes
// it at its manifest-derived offset on first success, and reports whether
// the chunk was newly stored, already present, or rejected for a digest
// mismatch.
func (s *Store) StoreChunk(index uint32, data []byte) (Outcome, error) {
	if index >= s.manifest.ChunkCount {
		return Rejected, fmt.Errorf("%w: index %d, chunk count %d", ErrChunkIndexRange, index, s.manifest.ChunkCount)
	}

	offset, size, err := s.manifest.ChunkAddress(index)
	if err != nil {
		return Rejected, err
	}
	if uint64(len(data)) != size {
		return Rejected, nil
	}
	if xcrypto.SHA256(data) != s.manifest.ChunkHashes[index] {
		return Rejected, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bitSet(index) {
		return Duplicate, nil
	}

	if _, err := s.file.WriteAt(data, int64(offset)); err != nil {
		return Rejected, fmt.Errorf("chunkstore: write chunk %d: %w", index, err)
	}
	s.bitMark(index)
	s.receivedCount.Add(1)

	return Stored, nil
}

// MissingChunks returns the indices of every chunk not yet stored, in
// ascending order. It copies the bitmap under the mutex and iterates the
// copy, so no lock is held during the (potentially large) iteration.
func (s *Store) MissingChunks() []uint32 {
	s.mu.Lock()
	snapshot := make([]uint32, len(s.bitmap))
	copy(snapshot, s.bitmap)
	s.mu.Unlock()

	missing := make([]uint32, 0, s.manifest.ChunkCount)
	for i := uint32(0); i < s.manifest.ChunkCount; i++ {
		word := snapshot[i/32]
		if word&(1<<(i%32)) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// IsComplete reports whether every chunk named by the manifest has been
// stored. A zero-chunk manifest (empty file) is vacuously complete.
func (s *Store) IsComplete() bool {
	return s.receivedCount.Load() == int64(s.manifest.ChunkCount)
}

// ReceivedCount returns the number of chunks stored so far.
func (s *Store) ReceivedCount() int64 {
	return s.receivedCount.Load()
}

// Finalize flushes the assembled file, re-hashes it from disk, and compares
// the result against the manifest's whole-file digest. On mismatch the
// partial file is deleted and ErrFileDigestMismatch is returned. On success
// the file's modification time is set from manifest.LastModified, if present.
func (s *Store) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final {
		return nil
	}
	if !s.IsComplete() {
		return fmt.Errorf("chunkstore: finalize called with %d/%d chunks received",
			s.receivedCount.Load(), s.manifest.ChunkCount)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("chunkstore: sync %s: %w", s.destPath, err)
	}

	digest, err := hashFile(s.file)
	if err != nil {
		return fmt.Errorf("chunkstore: rehash %s: %w", s.destPath, err)
	}

	if digest != s.manifest.FileHash {
		s.file.Close()
		os.Remove(s.destPath)
		return ErrFileDigestMismatch
	}

	s.final = true

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("chunkstore: close %s: %w", s.destPath, err)
	}

	if s.manifest.LastModified != nil {
		mtime := time.UnixMilli(*s.manifest.LastModified)
		if err := os.Chtimes(s.destPath, mtime, mtime); err != nil {
			return fmt.Errorf("chunkstore: chtimes %s: %w", s.destPath, err)
		}
	}

	return nil
}

// Close releases the destination file handle without finalizing, for use on
// cancellation paths where the partial file should be left on disk for
// inspection or removed by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final {
		return nil
	}
	return s.file.Close()
}

func hashFile(f *os.File) ([32]byte, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return [32]byte{}, err
	}
	h := xcrypto.NewStreamingSHA256()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return [32]byte{}, err
		}
	}
	return h.Sum(), nil
}
