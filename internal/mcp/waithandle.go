package mcp

import "context"

// WaitHandle is the cross-context completion handle returned by
// RequestReconnect (spec.md §4.4, §3 "Reconnect Waiter"). It is safe to share
// across goroutines; Wait may be called more than once and by more than one
// goroutine.
type WaitHandle struct {
	done chan struct{}
}

func newWaitHandle() *WaitHandle {
	return &WaitHandle{done: make(chan struct{})}
}

// signaledWaitHandle returns a WaitHandle that is already complete — used when the
// target server is unknown or the supervisor has already shut down (spec.md
// §4.4, law L2).
func signaledWaitHandle() *WaitHandle {
	h := &WaitHandle{done: make(chan struct{})}
	close(h.done)
	return h
}

func (h *WaitHandle) fire() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Wait blocks until the handle is signaled or ctx is done, whichever comes
// first. Bounding the wait is the caller's responsibility, per spec.md §5.
func (h *WaitHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the handle has already been signaled, without
// blocking.
func (h *WaitHandle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
