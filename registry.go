package collector

import (
	"fmt"
	"sort"
	"sync"
)

// Worker is the public contract of a device-worker runtime instance.
// BaseDeviceWorker in package worker implements it, and every concrete
// protocol worker under drivers/* is built on one; the manager and factory only ever see this
// interface, never a concrete worker type.
type Worker interface {
	Start() Future
	Stop() Future
	Pause() Future
	Resume() Future
	WriteValue(pointID string, value Value) error
	UpdateReconnectionSettings(s ReconnectionSettings) error
	ForceReconnect()
	State() WorkerState
	StatusSnapshot() StatusSnapshot
	DeviceID() string
}

// Future models a cancellable asynchronous completion for the
// Start/Stop/Pause/Resume operations — a channel-based notification, never
// a blocking join on the caller's thread.
type Future interface {
	Done() <-chan struct{}
	Err() error
}

type future struct {
	done chan struct{}
	err  error
}

// NewFuture creates a Future paired with the completion function used to
// resolve it exactly once.
func NewFuture() (f Future, complete func(error)) {
	impl := &future{done: make(chan struct{})}
	var once sync.Once
	return impl, func(err error) {
		once.Do(func() {
			impl.err = err
			close(impl.done)
		})
	}
}

func (f *future) Done() <-chan struct{} { return f.done }
func (f *future) Err() error            { return f.err }

// ResolvedFuture returns a Future that is already complete, for idempotent
// operations (e.g. Stop on an already-stopped worker).
func ResolvedFuture(err error) Future {
	f, complete := NewFuture()
	complete(err)
	return f
}

// Creator builds a Worker bound to one DeviceInfo and its DataPoint set,
// wired to the shared pipeline/status/metrics collaborators a
// CollectorContext owns. pipeline, status and metrics may be nil, in which
// case the resulting worker emits and publishes nowhere. Variants, not
// inheritance, are the cleaner expression of "one driver per protocol tag"
// in Go.
type Creator func(info *DeviceInfo, points []*DataPoint, pipeline Pipeline, status StatusPublisher, metrics *ContextMetrics, settings ReconnectionSettings) (Worker, error)

var (
	creatorsMu sync.RWMutex
	creators   = make(map[ProtocolType]Creator)
)

// RegisterWorkerCreator registers a Creator for the given protocol tag at
// package scope. Concrete driver packages call this from an init()
// function. It panics on a duplicate registration — a programming error,
// not a runtime condition.
func RegisterWorkerCreator(tag ProtocolType, creator Creator) {
	creatorsMu.Lock()
	defer creatorsMu.Unlock()
	if _, dup := creators[tag]; dup {
		panic(fmt.Sprintf("collector: worker creator already registered for protocol %q", tag))
	}
	creators[tag] = creator
}

// LookupWorkerCreator returns the globally registered creator for a protocol
// tag; callers lower-case the tag first so the match is case-insensitive.
func LookupWorkerCreator(tag ProtocolType) (Creator, bool) {
	creatorsMu.RLock()
	defer creatorsMu.RUnlock()
	c, ok := creators[tag]
	return c, ok
}

// RegisteredProtocols returns every protocol tag with a registered creator,
// sorted for deterministic output (used by WorkerFactory statistics).
func RegisteredProtocols() []ProtocolType {
	creatorsMu.RLock()
	defer creatorsMu.RUnlock()
	tags := make([]ProtocolType, 0, len(creators))
	for t := range creators {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
