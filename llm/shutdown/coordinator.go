// Package shutdown implements the process-wide shutdown broadcast and
// quiescence barrier (C6): one coordinator, N subscribers, a single
// completion barrier the coordinator owns end to end.
//
// Design note: the source this package generalizes exposed a
// subscribe_completion method that handed callers a brand new receiver
// disconnected from the real completion stream, so wait_for_completion
// only ever worked for a single exclusive caller. This implementation
// removes that seam entirely — Subscribe returns both the signal channel
// and the Ack closure tied to that subscription, and the coordinator is
// the sole owner of the aggregation counter. There is no way to observe
// completions except through the coordinator that created the
// subscription, so there is nothing left to wire incorrectly.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode distinguishes a graceful drain from an immediate cancellation.
type Mode int

const (
	// Graceful asks subscribers to finish in-flight work within their
	// own bounded deadline before acking.
	Graceful Mode = iota
	// Immediate asks subscribers to cancel outstanding work right away.
	Immediate
)

func (m Mode) String() string {
	if m == Immediate {
		return "immediate"
	}
	return "graceful"
}

// Signal is broadcast to every subscriber when shutdown begins.
type Signal struct {
	Mode     Mode
	Deadline time.Time
}

// ErrWaitTimeout is returned by WaitForCompletion when the deadline
// elapses before every subscriber has acked.
var ErrWaitTimeout = errors.New("shutdown: wait for completion timed out")

// ErrAlreadyShuttingDown is returned by Broadcast if shutdown already
// started; it is idempotent from the caller's point of view (the second
// caller just waits on the same barrier).
var ErrAlreadyShuttingDown = errors.New("shutdown: already in progress")

type subscription struct {
	ch     chan Signal
	acked  bool
}

// Coordinator is the process's single shutdown broadcaster and
// completion barrier. Construct exactly one per process and pass it by
// reference to every component that must observe shutdown.
type Coordinator struct {
	mu          sync.Mutex
	subs        []*subscription
	started     bool
	mode        Mode
	doneCh      chan struct{}
	pendingAcks int
	logger      *zap.Logger
}

// NewCoordinator builds an idle coordinator. Call Subscribe for every
// component that must observe shutdown before calling Broadcast.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger}
}

// IsShuttingDown reports whether Broadcast has been called. Ingress
// handlers (C5) poll this to return 503 on new requests.
func (c *Coordinator) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Subscribe registers a new component. It returns the channel the
// component should select on for the shutdown signal, and an Ack
// function the component must call exactly once after it has honored
// the signal. Subscribe must not be called once Broadcast has started
// — the subscriber set is fixed at startup, matching the "exactly one
// shutdown coordinator, all references handed out before serving
// traffic" invariant.
func (c *Coordinator) Subscribe() (<-chan Signal, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &subscription{ch: make(chan Signal, 1)}
	c.subs = append(c.subs, sub)
	ack := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub.acked {
			return
		}
		sub.acked = true
		c.pendingAcks--
		if c.pendingAcks == 0 && c.doneCh != nil {
			close(c.doneCh)
		}
	}
	return sub.ch, ack
}

// Broadcast delivers signal to every subscriber and arms the completion
// barrier. Safe to call once; subsequent calls return
// ErrAlreadyShuttingDown and are otherwise no-ops.
func (c *Coordinator) Broadcast(mode Mode, deadline time.Time) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShuttingDown
	}
	c.started = true
	c.mode = mode
	c.doneCh = make(chan struct{})
	c.pendingAcks = len(c.subs)
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	allDone := c.pendingAcks == 0
	if allDone {
		close(c.doneCh)
	}
	c.mu.Unlock()

	c.logger.Info("broadcasting shutdown signal", zap.String("mode", mode.String()), zap.Int("subscribers", len(subs)))
	signal := Signal{Mode: mode, Deadline: deadline}
	for _, sub := range subs {
		select {
		case sub.ch <- signal:
		default:
			// subscriber's buffered slot already holds a signal; it
			// will observe this one's deadline via a second receive,
			// which never happens with a single Broadcast call, so
			// this branch only guards against a future double-send.
		}
	}
	return nil
}

// WaitForCompletion blocks until every subscriber has acked or the
// deadline elapses, whichever comes first.
func (c *Coordinator) WaitForCompletion(ctx context.Context, deadline time.Duration) error {
	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveMode returns the broadcast mode, valid only after Broadcast has run.
func (c *Coordinator) ActiveMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}
