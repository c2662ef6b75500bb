// Package progress tracks byte and chunk throughput for an in-flight
// transfer and produces periodic snapshots suitable for a CLI progress line.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time, immutable copy of a Tracker's state.
type Snapshot struct {
	BytesDone   uint64
	TotalBytes  uint64
	Percent     float64
	SpeedBps    float64
	ETAMillis   int64
	ChunksDone  uint32
	ChunksTotal uint32
	FileName    string
}

// Tracker accumulates byte/chunk counts with atomics and samples throughput
// once a second on a background goroutine.
type Tracker struct {
	bytesDone   atomic.Uint64
	chunksDone  atomic.Uint32
	totalBytes  uint64
	totalChunks uint32
	fileName    string

	sampleMu  sync.Mutex
	lastBytes uint64
	lastAt    time.Time
	speedBps  float64

	stop chan struct{}
	done chan struct{}
}

// New starts a Tracker for a transfer of totalBytes across totalChunks
// chunks, named fileName for display purposes.
func New(fileName string, totalBytes uint64, totalChunks uint32) *Tracker {
	t := &Tracker{
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
		fileName:    fileName,
		lastAt:      time.Now(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go t.sampleLoop()
	return t
}

func (t *Tracker) sampleLoop() {
	defer close(t.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sample(now)
		}
	}
}

func (t *Tracker) sample(now time.Time) {
	t.sampleMu.Lock()
	defer t.sampleMu.Unlock()

	current := t.bytesDone.Load()
	elapsed := now.Sub(t.lastAt).Seconds()
	if elapsed > 0 {
		t.speedBps = float64(current-t.lastBytes) / elapsed
	}
	t.lastBytes = current
	t.lastAt = now
}

// AddBytes records n additional bytes delivered.
func (t *Tracker) AddBytes(n uint64) {
	t.bytesDone.Add(n)
}

// AddChunk records one additional chunk delivered.
func (t *Tracker) AddChunk() {
	t.chunksDone.Add(1)
}

// Stop halts the sampling goroutine. Safe to call once; further Snapshot
// calls still work, they simply stop updating SpeedBps.
func (t *Tracker) Stop() {
	select {
	case <-t.stop:
		return
	default:
		close(t.stop)
		<-t.done
	}
}

// Snapshot returns a consistent point-in-time copy of the tracker's state.
func (t *Tracker) Snapshot() Snapshot {
	bytesDone := t.bytesDone.Load()
	chunksDone := t.chunksDone.Load()

	var percent float64
	if t.totalBytes > 0 {
		percent = float64(bytesDone) / float64(t.totalBytes) * 100
	} else {
		percent = 100
	}

	t.sampleMu.Lock()
	speed := t.speedBps
	t.sampleMu.Unlock()

	var etaMillis int64
	if speed > 0 && t.totalBytes > bytesDone {
		remaining := float64(t.totalBytes - bytesDone)
		etaMillis = int64(remaining / speed * 1000)
	}

	return Snapshot{
		BytesDone:   bytesDone,
		TotalBytes:  t.totalBytes,
		Percent:     percent,
		SpeedBps:    speed,
		ETAMillis:   etaMillis,
		ChunksDone:  chunksDone,
		ChunksTotal: t.totalChunks,
		FileName:    t.fileName,
	}
}
