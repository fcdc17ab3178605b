// control.go — Process-wide stop flag and producer activity tracking
// ============================================================================
// INGEST CONTROL
// ============================================================================
//
// Long-running producers (the PTU ingest loop, the CLI push paths) poll a
// global stop flag between batches instead of threading a context through
// every hot call. A SIGINT/SIGTERM handler raises the flag; the producer
// finishes its current batch, detaches from the buffer and exits.
//
// Activity tracking records when the last batch was pushed so status
// reporting can tell an idle producer from a busy one.

package control

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// ============================================================================
// GLOBAL STATE MANAGEMENT
// ============================================================================

var (
	stop    atomic.Uint32 // 1 = stop requested
	lastHot atomic.Int64  // unix nanoseconds of the last pushed batch

	cooldown = int64(time.Second)
)

// ============================================================================
// ACTIVITY SIGNALING
// ============================================================================

// SignalActivity records that a batch was just pushed.
func SignalActivity() {
	lastHot.Store(time.Now().UnixNano())
}

// Active reports whether a batch was pushed within the cooldown window.
func Active() bool {
	last := lastHot.Load()
	return last != 0 && time.Now().UnixNano()-last <= cooldown
}

// LastActivity is the time of the last SignalActivity, zero if none.
func LastActivity() time.Time {
	last := lastHot.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown raises the stop flag.
func Shutdown() { stop.Store(1) }

// Stopping reports whether Shutdown has been called.
func Stopping() bool { return stop.Load() == 1 }

// Reset clears all flags. Used between CLI invocations in tests.
func Reset() {
	stop.Store(0)
	lastHot.Store(0)
}

// Watch raises the stop flag on SIGINT/SIGTERM and returns a context that
// is cancelled at the same moment. The returned stop function releases
// the signal handler.
func Watch(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			Shutdown()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
