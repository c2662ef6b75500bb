// Package receiver implements the receiving side of a transfer: it dials
// the sender, performs the handshake, validates the manifest, then pulls
// missing chunks with a requester goroutine racing a receive loop until the
// reassembled file verifies.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/p2pshare/core/pkg/chunkstore"
	"github.com/p2pshare/core/pkg/config"
	"github.com/p2pshare/core/pkg/handshake"
	"github.com/p2pshare/core/pkg/manifest"
	"github.com/p2pshare/core/pkg/progress"
	"github.com/p2pshare/core/pkg/session"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/p2pshare/core/pkg/xcrypto"
)

// ErrTransferIDMismatch is returned when the sender's manifest carries a
// transfer id different from the one the caller expected.
var ErrTransferIDMismatch = errors.New("receiver: transfer id mismatch")

// Options configures a single Run call.
type Options struct {
	Addr               string
	Port               uint16
	OutputDir          string
	ExpectedTransferID string // empty disables the check
}

// Receiver drives one inbound transfer from a single sender.
type Receiver struct {
	cfg    config.Transfer
	logger *slog.Logger

	state atomic.Int32

	conn     net.Conn
	manifest *manifest.Manifest
	store    *chunkstore.Store

	key       *xcrypto.AEADKey
	canceller *session.Canceller
	tracker   *progress.Tracker
}

// New returns a Receiver configured with cfg's tuning parameters.
func New(cfg config.Transfer, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{cfg: cfg, logger: logger}
	r.state.Store(int32(session.StateIdle))
	return r
}

// Manifest returns the manifest received from the sender, or nil before Run
// reaches that point.
func (r *Receiver) Manifest() *manifest.Manifest {
	return r.manifest
}

// Progress returns a snapshot of transfer progress.
func (r *Receiver) Progress() progress.Snapshot {
	if r.tracker == nil {
		return progress.Snapshot{}
	}
	return r.tracker.Snapshot()
}

// Cancel aborts an in-progress Run call and removes the partial output file.
func (r *Receiver) Cancel() {
	if r.canceller != nil {
		r.canceller.Cancel()
	}
	r.state.Store(int32(session.StateCancelled))
}

// Run dials the sender, completes the handshake and manifest exchange, then
// downloads every chunk into opts.OutputDir. It returns the final file path.
func (r *Receiver) Run(ctx context.Context, opts Options) (string, error) {
	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", opts.Addr, opts.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return "", fmt.Errorf("receiver: dial %s: %w", addr, session.ErrTimeout)
		}
		return "", fmt.Errorf("receiver: dial %s: %w", addr, err)
	}
	r.conn = conn
	defer conn.Close()

	r.state.Store(int32(session.StateHandshaking))
	handshakeCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()
	key, err := runWithDeadline(handshakeCtx, conn, func() (*xcrypto.AEADKey, error) {
		return handshake.Perform(conn, false)
	})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return "", fmt.Errorf("receiver: handshake: %w", session.ErrTimeout)
		}
		return "", fmt.Errorf("receiver: handshake: %w", err)
	}
	r.key = key
	r.canceller = session.NewCanceller(conn, key)

	conn.SetReadDeadline(time.Now().Add(r.cfg.SocketReadTimeout))
	sealedManifest, err := wire.ReadFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return "", fmt.Errorf("receiver: read manifest frame: %w", session.ErrTimeout)
		}
		return "", r.canceller.ClassifyIOError(fmt.Errorf("receiver: read manifest frame: %w", err))
	}
	manifestBytes, err := xcrypto.Open(*key, sealedManifest)
	if err != nil {
		return "", fmt.Errorf("receiver: decrypt manifest: %w", err)
	}
	m, err := manifest.ParseManifestWire(manifestBytes)
	if err != nil {
		return "", fmt.Errorf("receiver: parse manifest: %w", err)
	}
	if opts.ExpectedTransferID != "" && m.TransferID != opts.ExpectedTransferID {
		return "", fmt.Errorf("%w: got %s, want %s", ErrTransferIDMismatch, m.TransferID, opts.ExpectedTransferID)
	}
	r.manifest = m

	outputPath := opts.OutputDir + string(os.PathSeparator) + m.FileName
	store, err := chunkstore.New(m, outputPath)
	if err != nil {
		return "", fmt.Errorf("receiver: open output: %w", err)
	}
	r.store = store

	r.tracker = progress.New(m.FileName, m.FileSize, m.ChunkCount)
	defer r.tracker.Stop()

	r.state.Store(int32(session.StateTransferring))
	if err := r.pullChunks(ctx, conn); err != nil {
		store.Close()
		os.Remove(outputPath)
		r.state.Store(int32(session.StateFailed))
		return "", r.canceller.ClassifyIOError(err)
	}

	if err := store.Finalize(); err != nil {
		os.Remove(outputPath)
		r.state.Store(int32(session.StateFailed))
		return "", fmt.Errorf("receiver: finalize: %w", err)
	}

	r.state.Store(int32(session.StateComplete))
	return outputPath, nil
}

func runWithDeadline[T any](ctx context.Context, conn net.Conn, fn func() (T, error)) (T, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	return fn()
}

// pullChunks runs the requester and receive-loop goroutines until the store
// reports completion or either goroutine observes a fatal error.
func (r *Receiver) pullChunks(ctx context.Context, conn net.Conn) error {
	requesterErrCh := make(chan error, 1)
	receiverErrCh := make(chan error, 1)
	released := make(chan uint32, r.cfg.RequestBatchSize*4+1)
	monitor := session.NewInactivityMonitor(session.InactivityBudget)

	go r.requestLoop(ctx, conn, released, monitor, requesterErrCh)
	go r.receiveLoop(conn, released, monitor, receiverErrCh)

	var requesterDone, receiverDone bool
	for !requesterDone || !receiverDone {
		select {
		case err := <-requesterErrCh:
			requesterDone = true
			if err != nil {
				return err
			}
		case err := <-receiverErrCh:
			receiverDone = true
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// requestLoop tracks which chunk indices it has asked for in inFlight and
// clears an entry whenever receiveLoop reports (via released) that a
// response for that index was handled, whatever its outcome; each release
// also triggers an immediate new batch. A rejected or undecryptable chunk
// is still missing and is therefore requested again, while a stored chunk
// no longer appears in MissingChunks.
func (r *Receiver) requestLoop(ctx context.Context, conn net.Conn, released <-chan uint32, monitor *session.InactivityMonitor, errCh chan<- error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	inFlight := make(map[uint32]bool)
	batch := r.cfg.RequestBatchSize
	if batch <= 0 {
		batch = 1
	}

	issue := func() error {
		missing := r.store.MissingChunks()
		issued := 0
		for _, idx := range missing {
			if issued >= batch {
				break
			}
			if inFlight[idx] {
				continue
			}
			if err := wire.WriteChunkRequest(conn, int32(idx)); err != nil {
				return err
			}
			monitor.Touch()
			inFlight[idx] = true
			issued++
		}
		return nil
	}

	for {
		if r.store.IsComplete() {
			err := wire.WriteChunkRequest(conn, wire.CompletionSentinel)
			if err == nil {
				monitor.Touch()
			}
			errCh <- err
			return
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-ticker.C:
			if err := issue(); err != nil {
				errCh <- err
				return
			}
		case idx := <-released:
			delete(inFlight, idx)
			if err := issue(); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (r *Receiver) receiveLoop(conn net.Conn, released chan<- uint32, monitor *session.InactivityMonitor, errCh chan<- error) {
	for {
		if r.store.IsComplete() {
			errCh <- nil
			return
		}
		frame, err := session.ReadWithBudget(conn, r.cfg.SocketReadTimeout, monitor, func() ([]byte, error) {
			return wire.ReadFrame(conn)
		})
		if err != nil {
			if errors.Is(err, session.ErrTimeout) {
				errCh <- session.ErrTimeout
				return
			}
			errCh <- fmt.Errorf("receiver: read chunk frame: %w", err)
			return
		}
		index, encrypted, err := wire.DecodeChunkResponse(frame)
		if err != nil {
			errCh <- err
			return
		}
		plaintext, err := xcrypto.Open(*r.key, encrypted)
		if err != nil {
			r.logger.Warn("chunk failed to decrypt, will be re-requested", "index", index)
			nonBlockingRelease(released, index)
			continue
		}
		outcome, err := r.store.StoreChunk(index, plaintext)
		if err != nil {
			errCh <- err
			return
		}
		switch outcome {
		case chunkstore.Stored:
			r.tracker.AddBytes(uint64(len(plaintext)))
			r.tracker.AddChunk()
		case chunkstore.Rejected:
			r.logger.Warn("chunk digest mismatch, will be re-requested", "index", index)
		case chunkstore.Duplicate:
		}
		nonBlockingRelease(released, index)
	}
}

func nonBlockingRelease(ch chan<- uint32, index uint32) {
	select {
	case ch <- index:
	default:
	}
}
