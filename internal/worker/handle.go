package worker

import "context"

// Handle references one submitted task. It is safe for concurrent use.
type Handle struct {
	done  chan struct{}
	score float64
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// finish records the result. Called exactly once by the pool.
func (h *Handle) finish(score float64, err error) {
	h.score = score
	h.err = err
	close(h.done)
}

// Done reports whether the task has finished. Never blocks.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result blocks until the task finishes and returns its score or failure.
func (h *Handle) Result() (float64, error) {
	<-h.done
	return h.score, h.err
}

// Wait is Result bounded by ctx.
func (h *Handle) Wait(ctx context.Context) (float64, error) {
	select {
	case <-h.done:
		return h.score, h.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
