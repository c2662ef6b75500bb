package progress

import "testing"

func TestSnapshotMonotonic(t *testing.T) {
	tr := New("file.bin", 1000, 10)
	defer tr.Stop()

	s0 := tr.Snapshot()
	if s0.BytesDone != 0 || s0.ChunksDone != 0 {
		t.Fatalf("initial snapshot not zeroed: %+v", s0)
	}

	tr.AddBytes(100)
	tr.AddChunk()

	s1 := tr.Snapshot()
	if s1.BytesDone != 100 {
		t.Fatalf("BytesDone = %d, want 100", s1.BytesDone)
	}
	if s1.ChunksDone != 1 {
		t.Fatalf("ChunksDone = %d, want 1", s1.ChunksDone)
	}
	if s1.Percent != 10 {
		t.Fatalf("Percent = %f, want 10", s1.Percent)
	}

	tr.AddBytes(900)
	s2 := tr.Snapshot()
	if s2.Percent != 100 {
		t.Fatalf("Percent = %f, want 100", s2.Percent)
	}
	if s2.BytesDone < s1.BytesDone {
		t.Fatalf("BytesDone went backwards: %d -> %d", s1.BytesDone, s2.BytesDone)
	}
}

func TestSnapshotEmptyFileIsComplete(t *testing.T) {
	tr := New("empty.bin", 0, 0)
	defer tr.Stop()

	s := tr.Snapshot()
	if s.Percent != 100 {
		t.Fatalf("Percent for empty file = %f, want 100", s.Percent)
	}
}
