package mqtt

import (
	"testing"

	"github.com/fieldgrid/collector"
)

func TestOnMessageCachesPayload(t *testing.T) {
	d := &driver{cache: make(map[string]cachedSample), topicOf: make(map[string]string)}
	handler := d.onMessage("p1")
	handler(nil, fakeMessage{payload: []byte("42")})

	d.cacheMu.RLock()
	sample, ok := d.cache["p1"]
	d.cacheMu.RUnlock()
	if !ok || !sample.set {
		t.Fatal("expected cached sample for p1")
	}
	if sample.value.String != "42" {
		t.Fatalf("got %q, want %q", sample.value.String, "42")
	}
}

func TestReadValuesUncertainWhenNoSampleYet(t *testing.T) {
	d := &driver{cache: make(map[string]cachedSample), topicOf: map[string]string{"p1": "devices/p1"}}
	d.connected.Store(true)
	points := []*collector.DataPoint{{ID: "p1", Address: "devices/p1"}}
	out, err := d.ReadValues(points)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Quality != collector.QualityUncertain {
		t.Fatalf("quality = %v, want uncertain", out[0].Quality)
	}
}

func TestReadValuesFailsWhenNotConnected(t *testing.T) {
	d := &driver{cache: make(map[string]cachedSample), topicOf: make(map[string]string)}
	if _, err := d.ReadValues(nil); err != collector.ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

// fakeMessage implements just enough of paho.Message for onMessage's use.
type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
