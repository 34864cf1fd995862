package pipeline

import (
	"sync"

	"github.com/fieldgrid/collector"
)

// StatusBus is an in-memory, device-id scoped StatusPublisher. Subscribers
// register for one device's snapshots or, with an empty deviceID, for
// every device, so snapshots fan out on a named, device-id-scoped channel
// without requiring an external broker.
type StatusBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan collector.StatusSnapshot]struct{}
}

// NewStatusBus builds an empty bus.
func NewStatusBus() *StatusBus {
	return &StatusBus{subs: make(map[string]map[chan collector.StatusSnapshot]struct{})}
}

// Publish implements collector.StatusPublisher. It fans the snapshot out to
// subscribers of the snapshot's device id and to wildcard subscribers,
// dropping it for any subscriber whose channel is currently full rather
// than blocking the publishing worker.
func (b *StatusBus) Publish(snap collector.StatusSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[snap.DeviceID] {
		select {
		case ch <- snap:
		default:
		}
	}
	for ch := range b.subs[""] {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe registers for snapshots on deviceID ("" subscribes to every
// device) and returns the channel plus an unsubscribe function the caller
// must invoke when done.
func (b *StatusBus) Subscribe(deviceID string) (<-chan collector.StatusSnapshot, func()) {
	ch := make(chan collector.StatusSnapshot, 16)
	b.mu.Lock()
	if b.subs[deviceID] == nil {
		b.subs[deviceID] = make(map[chan collector.StatusSnapshot]struct{})
	}
	b.subs[deviceID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs[deviceID], ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}
