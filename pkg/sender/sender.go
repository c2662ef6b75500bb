// Package sender implements the sending side of a transfer: it listens for
// one inbound connection, performs the handshake, ships the manifest, then
// services chunk requests with a bounded worker pool behind a single
// serializing writer goroutine.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/p2pshare/core/pkg/config"
	"github.com/p2pshare/core/pkg/handshake"
	"github.com/p2pshare/core/pkg/manifest"
	"github.com/p2pshare/core/pkg/progress"
	"github.com/p2pshare/core/pkg/session"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/p2pshare/core/pkg/xcrypto"
)

// Sender drives one outbound transfer of a single file to a single peer.
type Sender struct {
	cfg    config.Transfer
	logger *slog.Logger

	state atomic.Int32

	listener net.Listener
	manifest *manifest.Manifest
	file     *os.File
	filePath string

	key       *xcrypto.AEADKey
	canceller *session.Canceller
	tracker   *progress.Tracker

	countedMu sync.Mutex
	counted   map[uint32]bool
}

// New returns a Sender configured with cfg's tuning parameters.
func New(cfg config.Transfer, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{cfg: cfg, logger: logger}
	s.state.Store(int32(session.StateIdle))
	return s
}

// Start opens a listener on listenPort (0 for an OS-assigned port) and
// builds the manifest for filePath. It returns the port actually bound.
func (s *Sender) Start(ctx context.Context, listenPort uint16, filePath string) (uint16, error) {
	transferID := uuid.NewString()

	m, err := manifest.BuildManifest(filePath, s.cfg.ChunkSize, transferID)
	if err != nil {
		return 0, fmt.Errorf("sender: build manifest: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("sender: open %s: %w", filePath, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("sender: listen: %w", err)
	}

	s.manifest = m
	s.file = f
	s.filePath = filePath
	s.listener = listener
	s.counted = make(map[uint32]bool, m.ChunkCount)
	s.state.Store(int32(session.StateIdle))

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	s.logger.Info("sender listening", "port", port, "file", filePath, "transfer_id", transferID, "chunks", m.ChunkCount)
	return port, nil
}

// Addr returns the sender's bound listening address, the piece of the
// out-of-band session descriptor this core actually owns.
func (s *Sender) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Manifest returns the manifest built by Start.
func (s *Sender) Manifest() *manifest.Manifest {
	return s.manifest
}

// Progress returns a snapshot of transfer progress. Before ServeOne starts
// serving chunks this reports zero progress against the known total.
func (s *Sender) Progress() progress.Snapshot {
	if s.tracker == nil {
		return progress.Snapshot{TotalBytes: s.manifest.FileSize, ChunksTotal: s.manifest.ChunkCount, FileName: s.manifest.FileName}
	}
	return s.tracker.Snapshot()
}

// Cancel aborts any in-progress ServeOne call and releases the listener.
func (s *Sender) Cancel() {
	if s.canceller != nil {
		s.canceller.Cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.state.Store(int32(session.StateCancelled))
}

// ServeOne accepts exactly one connection, performs the handshake, sends
// the manifest, then services chunk requests until the receiver signals
// completion or the connection closes.
func (s *Sender) ServeOne(ctx context.Context) error {
	defer s.file.Close()
	defer s.listener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		s.listener.Close()
		return ctx.Err()
	case res := <-acceptCh:
		if res.err != nil {
			return fmt.Errorf("sender: accept: %w", res.err)
		}
		conn = res.conn
	}
	// Reject any further connections by closing the listener now.
	s.listener.Close()
	defer conn.Close()

	s.state.Store(int32(session.StateHandshaking))
	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancelHandshake()
	if dl, ok := handshakeCtx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	key, err := handshake.Perform(conn, true)
	conn.SetDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return fmt.Errorf("sender: handshake: %w", session.ErrTimeout)
		}
		return fmt.Errorf("sender: handshake: %w", err)
	}
	s.key = key
	s.canceller = session.NewCanceller(conn, key)

	manifestBytes, err := s.manifest.MarshalWire()
	if err != nil {
		return fmt.Errorf("sender: marshal manifest: %w", err)
	}
	sealedManifest, err := xcrypto.Seal(*key, manifestBytes)
	if err != nil {
		return fmt.Errorf("sender: seal manifest: %w", err)
	}
	if err := wire.WriteFrame(conn, sealedManifest); err != nil {
		return fmt.Errorf("sender: write manifest frame: %w", err)
	}

	s.tracker = progress.New(s.manifest.FileName, s.manifest.FileSize, s.manifest.ChunkCount)
	defer s.tracker.Stop()

	s.state.Store(int32(session.StateTransferring))
	if err := s.serveChunks(ctx, conn); err != nil {
		s.state.Store(int32(session.StateFailed))
		return s.canceller.ClassifyIOError(err)
	}

	s.state.Store(int32(session.StateComplete))
	return nil
}

type chunkJob struct {
	index int32
}

type chunkResult struct {
	frame []byte
}

func (s *Sender) serveChunks(ctx context.Context, conn net.Conn) error {
	workers := s.cfg.MaxParallelChunks
	if workers <= 0 {
		workers = 1
	}
	requestQueue := make(chan chunkJob, workers*2)
	responses := make(chan chunkResult, workers*2)
	readerErrCh := make(chan error, 1)
	workerErrCh := make(chan error, workers)
	writerErrCh := make(chan error, 1)
	monitor := session.NewInactivityMonitor(session.InactivityBudget)

	// Request-reader goroutine: the sole reader of conn.
	go func() {
		defer close(requestQueue)
		for {
			select {
			case <-ctx.Done():
				readerErrCh <- ctx.Err()
				return
			default:
			}
			index, err := session.ReadWithBudget(conn, s.cfg.SocketReadTimeout, monitor, func() (int32, error) {
				return wire.ReadChunkRequest(conn)
			})
			if err != nil {
				if errors.Is(err, session.ErrTimeout) {
					readerErrCh <- session.ErrTimeout
				} else if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					readerErrCh <- wire.ErrUnexpectedEOF
				} else {
					readerErrCh <- fmt.Errorf("sender: read chunk request: %w", err)
				}
				return
			}
			if index == wire.CompletionSentinel {
				readerErrCh <- nil
				return
			}
			select {
			case requestQueue <- chunkJob{index: index}:
			case <-ctx.Done():
				readerErrCh <- ctx.Err()
				return
			}
		}
	}()

	// Worker pool: each reads the source file at the requested chunk's
	// offset, seals it, and hands the framed response to the writer.
	var active atomic.Int32
	active.Store(int32(workers))
	for i := 0; i < workers; i++ {
		go func() {
			defer func() {
				if active.Add(-1) == 0 {
					close(responses)
				}
			}()
			for job := range requestQueue {
				frame, err := s.buildChunkResponse(job.index)
				if err != nil {
					workerErrCh <- err
					return
				}
				select {
				case responses <- chunkResult{frame: frame}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Single writer goroutine: the sole writer to conn, serializing writes
	// without a mutex.
	go func() {
		for res := range responses {
			if err := wire.WriteFrame(conn, res.frame); err != nil {
				select {
				case writerErrCh <- fmt.Errorf("sender: write chunk response: %w", err):
				default:
				}
				return
			}
			monitor.Touch()
		}
		writerErrCh <- nil
	}()

	// Wait for the reader to finish (completion sentinel or a read error) or
	// a worker to fail outright, whichever comes first, so a worker error
	// isn't stranded behind a reader still blocked on further requests.
	var readerErr error
	select {
	case readerErr = <-readerErrCh:
	case err := <-workerErrCh:
		return err
	}
	if readerErr != nil {
		return readerErr
	}

	select {
	case err := <-writerErrCh:
		return err
	case err := <-workerErrCh:
		return err
	}
}

func (s *Sender) buildChunkResponse(index int32) ([]byte, error) {
	offset, size, err := s.manifest.ChunkAddress(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("sender: chunk address: %w", err)
	}
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("sender: read chunk %d: %w", index, err)
	}
	sealed, err := xcrypto.Seal(*s.key, buf)
	if err != nil {
		return nil, fmt.Errorf("sender: seal chunk %d: %w", index, err)
	}

	// A chunk can be requested more than once (rejected downstream, lost in
	// transit, ...); only the first response for a given index counts toward
	// progress so a re-request can't push the snapshot past 100%.
	s.countedMu.Lock()
	firstTime := !s.counted[uint32(index)]
	s.counted[uint32(index)] = true
	s.countedMu.Unlock()
	if firstTime {
		s.tracker.AddBytes(uint64(len(buf)))
		s.tracker.AddChunk()
	}
	return wire.EncodeChunkResponse(uint32(index), sealed), nil
}
