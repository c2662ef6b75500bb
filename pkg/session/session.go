// Package session holds the small pieces shared by both the sender and the
// receiver state machines: the transfer-state enum and an idempotent
// cancellation helper that zeroes key material on teardown.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p2pshare/core/pkg/xcrypto"
)

// State is a transfer's position in its linear state machine.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateTransferring
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrCancelled is returned by in-flight operations once Cancel has been called.
var ErrCancelled = errors.New("session: cancelled")

// ErrTimeout is returned when a connect, handshake, or inactivity budget expires.
var ErrTimeout = errors.New("session: timeout")

// InactivityBudget is the total silence a transfer tolerates on a
// connection before a run of short per-read timeouts is escalated to
// ErrTimeout, measured across both directions of traffic.
const InactivityBudget = 30 * time.Second

// Closer is the subset of net.Conn / net.Listener that Canceller needs to
// unblock a pending read/write/accept.
type Closer interface {
	Close() error
}

// Canceller centralizes the cancel-once, zero-key-material, close-the-socket
// sequence shared by Sender.Cancel and Receiver.Cancel.
type Canceller struct {
	active atomic.Bool
	once   sync.Once
	closer Closer
	key    *xcrypto.AEADKey
}

// NewCanceller starts in the active state, guarding closer and key.
func NewCanceller(closer Closer, key *xcrypto.AEADKey) *Canceller {
	c := &Canceller{closer: closer, key: key}
	c.active.Store(true)
	return c
}

// Active reports whether Cancel has not yet been called.
func (c *Canceller) Active() bool {
	return c.active.Load()
}

// Cancel flips the active flag, closes the underlying connection to unblock
// any pending I/O, and zeroes the session key. Safe to call more than once
// and from any goroutine.
func (c *Canceller) Cancel() {
	c.once.Do(func() {
		c.active.Store(false)
		if c.closer != nil {
			c.closer.Close()
		}
		if c.key != nil {
			c.key.Zero()
		}
	})
}

// ClassifyIOError reports ErrCancelled in place of a generic I/O error when
// the canceller had already been triggered, so callers don't surface
// "use of closed network connection" as if it were a transport failure.
func (c *Canceller) ClassifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if !c.Active() {
		return ErrCancelled
	}
	return err
}

// InactivityMonitor tracks the time since the last successful read or write
// on a connection, so a series of short per-read timeouts can be told apart
// from a peer that has actually gone silent for good.
type InactivityMonitor struct {
	budget time.Duration
	mu     sync.Mutex
	last   time.Time
}

// NewInactivityMonitor starts the clock running now.
func NewInactivityMonitor(budget time.Duration) *InactivityMonitor {
	return &InactivityMonitor{budget: budget, last: time.Now()}
}

// Touch records activity, resetting the inactivity budget.
func (m *InactivityMonitor) Touch() {
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
}

// Expired reports whether the budget has elapsed since the last Touch.
func (m *InactivityMonitor) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.last) >= m.budget
}

// ReadWithBudget arms conn's read deadline for perRead before every call to
// read, retrying a deadline trip as long as monitor hasn't recorded total
// inactivity beyond its budget. A non-timeout error from read is returned
// immediately. On success it clears the deadline and touches monitor.
func ReadWithBudget[T any](conn net.Conn, perRead time.Duration, monitor *InactivityMonitor, read func() (T, error)) (T, error) {
	for {
		conn.SetReadDeadline(time.Now().Add(perRead))
		v, err := read()
		if err == nil {
			conn.SetReadDeadline(time.Time{})
			monitor.Touch()
			return v, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if monitor.Expired() {
				var zero T
				return zero, ErrTimeout
			}
			continue
		}
		var zero T
		return zero, err
	}
}
