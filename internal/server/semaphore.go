package server

import "context"

// connSemaphore limits concurrent sessions. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

// tryAcquire takes a slot without blocking.
func (s *connSemaphore) tryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
