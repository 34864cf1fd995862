package worker

import (
	"sync"
	"time"

	"github.com/fieldgrid/collector"
)

// StateTransition records one state change for diagnostics, so the status
// surface can report when a worker last changed state.
type StateTransition struct {
	From WorkerStateValue
	To   WorkerStateValue
	At   time.Time
}

// WorkerStateValue is an alias kept local to the package for readability in
// transition logs; it is always a collector.WorkerState.
type WorkerStateValue = collector.WorkerState

// stateHolder is a mutex-guarded WorkerState with a short transition
// history, shared between the ReconnectController and BaseDeviceWorker.
// A plain atomic.Int32 would lose the "since when" half of the contract,
// hence a mutex rather than bare atomics.
type stateHolder struct {
	mu         sync.RWMutex
	current    collector.WorkerState
	since      time.Time
	history    []StateTransition
	maxHistory int
}

func newStateHolder() *stateHolder {
	return &stateHolder{current: collector.StateStopped, since: time.Now(), maxHistory: 20}
}

// SetState implements worker.StateSink so ReconnectController can drive it
// directly.
func (h *stateHolder) SetState(s collector.WorkerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == s {
		return
	}
	prev := h.current
	h.history = append(h.history, StateTransition{From: prev, To: s, At: time.Now()})
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	h.current = s
	h.since = time.Now()
}

func (h *stateHolder) Get() collector.WorkerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *stateHolder) Since() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.since
}

func (h *stateHolder) History() []StateTransition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StateTransition, len(h.history))
	copy(out, h.history)
	return out
}
