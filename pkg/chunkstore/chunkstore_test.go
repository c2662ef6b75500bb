package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/p2pshare/core/pkg/manifest"
)

func buildTestManifest(t *testing.T, dir string, size, chunkSize int) (*manifest.Manifest, string) {
	t.Helper()
	srcPath := filepath.Join(dir, "src.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := manifest.BuildManifest(srcPath, uint32(chunkSize), "t-1")
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	return m, srcPath
}

func readChunk(t *testing.T, path string, m *manifest.Manifest, index uint32) []byte {
	t.Helper()
	offset, size, err := m.ChunkAddress(index)
	if err != nil {
		t.Fatalf("ChunkAddress: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

func TestStoreChunkAndFinalize(t *testing.T) {
	dir := t.TempDir()
	m, srcPath := buildTestManifest(t, dir, 250, 100)

	destPath := filepath.Join(dir, "out.bin")
	store, err := New(m, destPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Store out of order.
	order := []uint32{2, 0, 1}
	for _, idx := range order {
		chunk := readChunk(t, srcPath, m, idx)
		outcome, err := store.StoreChunk(idx, chunk)
		if err != nil {
			t.Fatalf("StoreChunk(%d): %v", idx, err)
		}
		if outcome != Stored {
			t.Fatalf("StoreChunk(%d) = %v, want Stored", idx, outcome)
		}
	}

	if !store.IsComplete() {
		t.Fatalf("store not complete after all chunks stored")
	}
	if missing := store.MissingChunks(); len(missing) != 0 {
		t.Fatalf("MissingChunks = %v, want empty", missing)
	}

	if err := store.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile(dest): %v", err)
	}
	want, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("ReadFile(src): %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("reassembled file does not match source")
	}
}

func TestStoreChunkDuplicate(t *testing.T) {
	dir := t.TempDir()
	m, srcPath := buildTestManifest(t, dir, 250, 100)
	store, err := New(m, filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk := readChunk(t, srcPath, m, 0)
	if outcome, err := store.StoreChunk(0, chunk); err != nil || outcome != Stored {
		t.Fatalf("first StoreChunk = %v, %v", outcome, err)
	}
	if outcome, err := store.StoreChunk(0, chunk); err != nil || outcome != Duplicate {
		t.Fatalf("second StoreChunk = %v, %v, want Duplicate", outcome, err)
	}
	if store.ReceivedCount() != 1 {
		t.Fatalf("ReceivedCount = %d, want 1", store.ReceivedCount())
	}
}

func TestStoreChunkRejectsBadDigest(t *testing.T) {
	dir := t.TempDir()
	m, _ := buildTestManifest(t, dir, 250, 100)
	store, err := New(m, filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	garbage := make([]byte, 100)
	outcome, err := store.StoreChunk(0, garbage)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if outcome != Rejected {
		t.Fatalf("StoreChunk(garbage) = %v, want Rejected", outcome)
	}
	if store.ReceivedCount() != 0 {
		t.Fatalf("ReceivedCount = %d, want 0 after rejection", store.ReceivedCount())
	}
}

func TestStoreChunkRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	m, _ := buildTestManifest(t, dir, 250, 100)
	store, err := New(m, filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.StoreChunk(99, []byte("x")); err == nil {
		t.Fatalf("StoreChunk(out of range) returned nil error")
	}
}

func TestEmptyFileIsVacuouslyComplete(t *testing.T) {
	dir := t.TempDir()
	m, _ := buildTestManifest(t, dir, 0, 100)
	store, err := New(m, filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !store.IsComplete() {
		t.Fatalf("empty-file store should be vacuously complete")
	}
	if err := store.Finalize(); err != nil {
		t.Fatalf("Finalize(empty file): %v", err)
	}
}

func TestFinalizeDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	m, srcPath := buildTestManifest(t, dir, 100, 100)
	destPath := filepath.Join(dir, "out.bin")
	store, err := New(m, destPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk := readChunk(t, srcPath, m, 0)
	if _, err := store.StoreChunk(0, chunk); err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}

	// Corrupt the on-disk bytes directly, bypassing the verified write path,
	// to simulate filesystem-level corruption surviving to Finalize.
	store.mu.Lock()
	store.file.WriteAt([]byte{0xFF}, 0)
	store.mu.Unlock()

	err = store.Finalize()
	if err != ErrFileDigestMismatch {
		t.Fatalf("Finalize(corrupted) = %v, want ErrFileDigestMismatch", err)
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Fatalf("corrupted destination file was not removed")
	}
}
