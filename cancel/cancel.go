// Package cancel implements the cooperative cancellation token threaded
// through every backend call (spec §4.2).
//
// A long-running backend call must either poll Cancelled() at safe points,
// or block inside a syscall whose fd set includes Token.WakeFD(), which
// becomes readable the instant the token is cancelled. The fd pair is
// created lazily, on the first call to WakeFD, so tokens that are never
// used for blocking I/O never pay for a pipe.
package cancel

import (
	"os"
	"sync"
	"sync/atomic"
)

// Token is a shared handle signalling "abort" to any number of in-flight
// operations that hold a reference to it. The cancelled flag is monotonic:
// once set, Cancel is idempotent and Cancelled never reports false again.
type Token struct {
	cancelled atomic.Bool

	mu       sync.Mutex
	wakeR    *os.File
	wakeW    *os.File
	callback func(userData any)
	userData any
}

// New returns a fresh, un-cancelled token.
func New() *Token {
	return &Token{}
}

// Cancelled reports whether Cancel has been called. Safe from any goroutine.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Cancel sets the cancelled flag, wakes any fd waiting on WakeFD, and - if a
// callback was registered - invokes it synchronously on the calling
// goroutine. Safe to call from any goroutine, any number of times; only the
// first call has an effect.
func (t *Token) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	w := t.wakeW
	cb, ud := t.callback, t.userData
	t.mu.Unlock()
	if w != nil {
		_, _ = w.Write([]byte{0})
	}
	if cb != nil {
		cb(ud)
	}
}

// WakeFD returns the read end of a pipe that becomes readable once Cancel
// has been called. The pipe is created on first use. Callers add the
// returned fd to their select/poll set alongside the network or disk fd
// they are blocked on.
func (t *Token) WakeFD() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wakeR == nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		t.wakeR, t.wakeW = r, w
		if t.cancelled.Load() {
			_, _ = w.Write([]byte{0})
		}
	}
	return t.wakeR, nil
}

// OnCancel registers cb to run synchronously, on whichever goroutine calls
// Cancel, after the cancelled flag has been set. Registering a callback is
// race-free only when done before the token can possibly be cancelled
// concurrently - the bridge (§4.7) guarantees this via its one-call-per-
// worker-thread discipline. A second registration replaces the first.
func (t *Token) OnCancel(cb func(userData any), userData any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
	t.userData = userData
}

// Close releases the wake pipe, if one was created. Safe to call even if
// WakeFD was never called.
func (t *Token) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.wakeW != nil {
		err = t.wakeW.Close()
	}
	if t.wakeR != nil {
		if e := t.wakeR.Close(); err == nil {
			err = e
		}
	}
	t.wakeR, t.wakeW = nil, nil
	return err
}
