package dispatch

import (
	"sync"

	"github.com/forgeworks/foreman/pkg/models"
)

// Handle tracks one dispatch from submission to its terminal result.
// Status advances monotonically to exactly one terminal value; the result
// is delivered exactly once on the Result channel.
type Handle struct {
	id string

	mu       sync.Mutex
	status   models.DispatchStatus
	resolved bool

	resultCh chan models.DispatchResult

	// cancel is installed by the engine; safe to call at any time.
	cancel func()
}

func newHandle(id string, status models.DispatchStatus) *Handle {
	return &Handle{
		id:       id,
		status:   status,
		resultCh: make(chan models.DispatchResult, 1),
	}
}

// ID returns the unique dispatch ID.
func (h *Handle) ID() string {
	return h.id
}

// Status returns the current dispatch status.
func (h *Handle) Status() models.DispatchStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the channel the terminal result is delivered on.
// The channel is buffered; the result never blocks on a missing reader.
func (h *Handle) Result() <-chan models.DispatchResult {
	return h.resultCh
}

// Cancel requests cancellation of the dispatch.
// On a queued dispatch it resolves the result without spawning a process;
// on a running dispatch it signals the subprocess. Calling Cancel after
// the dispatch reached a terminal status is a no-op.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.resolved || h.cancel == nil {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
}

// setStatus advances the handle's status. Terminal statuses are only set
// through resolve.
func (h *Handle) setStatus(status models.DispatchStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.resolved {
		h.status = status
	}
}

// resolve delivers the terminal result exactly once.
// Returns false if the handle was already resolved.
func (h *Handle) resolve(result models.DispatchResult) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return false
	}
	h.resolved = true
	h.status = result.Status
	h.mu.Unlock()

	h.resultCh <- result
	return true
}
