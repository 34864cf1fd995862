// Package pipeline implements the in-memory Pipeline and StatusPublisher:
// a drop-oldest, per-device bounded queue and a device-id scoped status
// pub/sub. Both are plain mutex-guarded maps rather than a third-party
// queue library — this is the in-process default; package
// pipeline/azurequeue is the external-facing alternative.
package pipeline

import (
	"context"
	"sync"

	"github.com/fieldgrid/collector"
)

type queuedBatch struct {
	batch    collector.Batch
	priority collector.Priority
}

// Channel is an in-memory, multi-producer single-consumer Pipeline. Each
// device gets its own bounded queue; when a device's queue is full, Send
// drops that device's oldest queued batch rather than blocking the caller's
// poll loop.
type Channel struct {
	capacity int

	mu      sync.Mutex
	queues  map[string][]queuedBatch
	dropped map[string]int64
	notify  chan struct{}
}

// NewChannel builds a Channel with the given per-device queue capacity.
func NewChannel(perDeviceCapacity int) *Channel {
	if perDeviceCapacity < 1 {
		perDeviceCapacity = 1
	}
	return &Channel{
		capacity: perDeviceCapacity,
		queues:   make(map[string][]queuedBatch),
		dropped:  make(map[string]int64),
		notify:   make(chan struct{}, 1),
	}
}

// Send implements collector.Pipeline. It never blocks.
func (c *Channel) Send(batch collector.Batch, priority collector.Priority) error {
	c.mu.Lock()
	q := append(c.queues[batch.DeviceID], queuedBatch{batch: batch, priority: priority})
	if len(q) > c.capacity {
		q = q[1:]
		c.dropped[batch.DeviceID]++
	}
	c.queues[batch.DeviceID] = q
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a batch is available or ctx is cancelled, returning the
// highest-priority head across all device queues (ties broken by whichever
// device was checked first — this is a demonstration consumer; there is no
// ordering guarantee across workers).
func (c *Channel) Next(ctx context.Context) (collector.Batch, collector.Priority, bool) {
	for {
		if batch, prio, ok := c.popBest(); ok {
			return batch, prio, true
		}
		select {
		case <-ctx.Done():
			return collector.Batch{}, 0, false
		case <-c.notify:
		}
	}
}

func (c *Channel) popBest() (collector.Batch, collector.Priority, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestDevice string
	var bestPrio collector.Priority
	found := false
	for device, q := range c.queues {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].priority > bestPrio {
			bestDevice = device
			bestPrio = q[0].priority
			found = true
		}
	}
	if !found {
		return collector.Batch{}, 0, false
	}
	q := c.queues[bestDevice]
	head := q[0]
	if len(q) == 1 {
		delete(c.queues, bestDevice)
	} else {
		c.queues[bestDevice] = q[1:]
	}
	return head.batch, head.priority, true
}

// Dropped reports how many batches have been dropped for a device so far.
func (c *Channel) Dropped(deviceID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped[deviceID]
}

// Depth reports how many batches are currently queued for a device.
func (c *Channel) Depth(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[deviceID])
}
