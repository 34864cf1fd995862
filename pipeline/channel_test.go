package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/fieldgrid/collector"
)

func TestChannelDropsOldestWhenFull(t *testing.T) {
	c := NewChannel(2)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := c.Send(collector.Batch{DeviceID: "d1", Sequence: seq}, collector.PriorityNormal); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := c.Dropped("d1"); got != 1 {
		t.Fatalf("Dropped(d1) = %d, want 1", got)
	}
	if got := c.Depth("d1"); got != 2 {
		t.Fatalf("Depth(d1) = %d, want 2", got)
	}

	ctx := context.Background()
	batch, _, ok := c.Next(ctx)
	if !ok || batch.Sequence != 2 {
		t.Fatalf("Next() batch.Sequence = %v, ok=%v; want seq=2 (oldest surviving)", batch.Sequence, ok)
	}
}

func TestChannelPrefersHigherPriority(t *testing.T) {
	c := NewChannel(4)
	c.Send(collector.Batch{DeviceID: "d1", Sequence: 1}, collector.PriorityNormal)
	c.Send(collector.Batch{DeviceID: "d2", Sequence: 1}, collector.PriorityCritical)

	batch, prio, ok := c.Next(context.Background())
	if !ok || batch.DeviceID != "d2" || prio != collector.PriorityCritical {
		t.Fatalf("Next() = %+v/%v, want d2/critical", batch, prio)
	}
}

func TestChannelNextBlocksUntilSend(t *testing.T) {
	c := NewChannel(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		batch, _, ok := c.Next(ctx)
		if !ok || batch.DeviceID != "late" {
			t.Errorf("Next() = %+v, ok=%v; want late batch", batch, ok)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Send(collector.Batch{DeviceID: "late"}, collector.PriorityNormal)
	<-done
}

func TestStatusBusPublishAndSubscribe(t *testing.T) {
	bus := NewStatusBus()
	ch, unsub := bus.Subscribe("d1")
	defer unsub()

	all, unsubAll := bus.Subscribe("")
	defer unsubAll()

	bus.Publish(collector.StatusSnapshot{DeviceID: "d1", State: collector.StateRunning})
	bus.Publish(collector.StatusSnapshot{DeviceID: "d2", State: collector.StateStopped})

	select {
	case snap := <-ch:
		if snap.DeviceID != "d1" {
			t.Fatalf("got snapshot for %q, want d1", snap.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for d1 snapshot")
	}

	got := 0
	for i := 0; i < 2; i++ {
		select {
		case <-all:
			got++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard snapshot")
		}
	}
	if got != 2 {
		t.Fatalf("wildcard subscriber saw %d snapshots, want 2", got)
	}
}
