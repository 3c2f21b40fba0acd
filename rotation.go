package skyvault

import (
	"sync"
)

// rotationErrBuffer bounds the rotation-failure channel. When full, further
// failures are dropped after audit logging; the channel is observability,
// not control flow.
const rotationErrBuffer = 16

// rotationScheduler runs fire-and-forget key rotations triggered from
// retrieval. At most one rotation is in flight per identifier, failures are
// surfaced on an error channel and never propagate to the retrieval that
// triggered them.
type rotationScheduler struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	errs     chan error
	wg       sync.WaitGroup
	closed   bool
}

func newRotationScheduler() *rotationScheduler {
	return &rotationScheduler{
		inflight: make(map[string]struct{}),
		errs:     make(chan error, rotationErrBuffer),
	}
}

// schedule runs rotate for identifier in a detached goroutine unless one is
// already in flight for it. Returns whether the task was started.
func (rs *rotationScheduler) schedule(identifier string, rotate func() error) bool {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return false
	}
	if _, busy := rs.inflight[identifier]; busy {
		rs.mu.Unlock()
		return false
	}
	rs.inflight[identifier] = struct{}{}
	rs.wg.Add(1)
	rs.mu.Unlock()

	go func() {
		defer rs.wg.Done()
		defer func() {
			rs.mu.Lock()
			delete(rs.inflight, identifier)
			rs.mu.Unlock()
		}()

		if err := rotate(); err != nil {
			select {
			case rs.errs <- err:
			default:
			}
		}
	}()

	return true
}

// failures exposes rotation errors to callers that want to observe them.
func (rs *rotationScheduler) failures() <-chan error {
	return rs.errs
}

// close waits for in-flight rotations and stops accepting new ones.
func (rs *rotationScheduler) close() {
	rs.mu.Lock()
	rs.closed = true
	rs.mu.Unlock()
	rs.wg.Wait()
}
