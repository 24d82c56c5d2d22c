package registry

import (
	"sync"

	"time"

	"github.com/jonboulle/clockwork"
)

// Handle is a cancellable scheduled task.
type Handle struct {
	mu        sync.Mutex
	timer     clockwork.Timer
	ticker    clockwork.Ticker
	stopCh    chan struct{}
	cancelled bool
}

// Cancel stops the task. Safe to call multiple times and from timer bodies.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.ticker != nil {
		h.ticker.Stop()
	}
	if h.stopCh != nil {
		close(h.stopCh)
	}
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// TaskSet owns every timer belonging to one match so teardown can sweep them
// all, preventing leaked callbacks after recovery or restart.
type TaskSet struct {
	clock clockwork.Clock

	mu      sync.Mutex
	handles map[*Handle]struct{}
	swept   bool
}

// NewTaskSet creates a task set over the given clock.
func NewTaskSet(clock clockwork.Clock) *TaskSet {
	return &TaskSet{
		clock:   clock,
		handles: make(map[*Handle]struct{}),
	}
}

// Clock exposes the underlying clock for elapsed-time computations.
func (t *TaskSet) Clock() clockwork.Clock {
	return t.clock
}

// After schedules fn once after d. The returned handle cancels it.
func (t *TaskSet) After(d time.Duration, fn func()) *Handle {
	h := &Handle{}

	t.mu.Lock()
	if t.swept {
		t.mu.Unlock()
		h.cancelled = true
		return h
	}
	t.handles[h] = struct{}{}
	t.mu.Unlock()

	h.timer = t.clock.AfterFunc(d, func() {
		if h.isCancelled() {
			return
		}
		t.drop(h)
		fn()
	})
	return h
}

// Every schedules fn on a fixed interval until cancelled.
func (t *TaskSet) Every(d time.Duration, fn func()) *Handle {
	h := &Handle{stopCh: make(chan struct{})}

	t.mu.Lock()
	if t.swept {
		t.mu.Unlock()
		h.cancelled = true
		return h
	}
	t.handles[h] = struct{}{}
	t.mu.Unlock()

	h.ticker = t.clock.NewTicker(d)
	go func() {
		for {
			select {
			case <-h.stopCh:
				return
			case <-h.ticker.Chan():
				if h.isCancelled() {
					return
				}
				fn()
			}
		}
	}()
	return h
}

func (t *TaskSet) drop(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, h)
}

// CancelAll sweeps every outstanding task. Called on match teardown; the set
// refuses new tasks afterwards.
func (t *TaskSet) CancelAll() {
	t.mu.Lock()
	t.swept = true
	handles := make([]*Handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.handles = make(map[*Handle]struct{})
	t.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
