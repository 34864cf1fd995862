package bacnetip

import (
	"testing"

	"github.com/fieldgrid/collector"
)

func TestParseObjectRef(t *testing.T) {
	ref, err := parseObjectRef("analog-input:3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.objType != 0 || ref.instance != 3 {
		t.Fatalf("got %+v", ref)
	}
	if _, err := parseObjectRef("not-a-type:1"); err == nil {
		t.Fatal("expected error for unknown object type")
	}
	if _, err := parseObjectRef("analog-input"); err == nil {
		t.Fatal("expected error for missing instance")
	}
}

func TestEncodeApplicationValueRoundTripsReal(t *testing.T) {
	enc, err := encodeApplicationValue(collector.Value{Type: collector.DataTypeF32, Float: 21.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := decodeApplicationValue(enc, collector.DataTypeF32)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if v.Type != collector.DataTypeF32 || float32(v.Float) != 21.5 {
		t.Fatalf("got %+v", v)
	}
}

func TestEncodeApplicationValueRoundTripsBool(t *testing.T) {
	enc, err := encodeApplicationValue(collector.Value{Type: collector.DataTypeBool, Bool: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := decodeApplicationValue(enc, collector.DataTypeBool)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !v.Bool {
		t.Fatal("expected true")
	}
}

func TestBeIntSignExtends(t *testing.T) {
	// 0xFF as a single signed byte is -1.
	if got := beInt([]byte{0xFF}); got != -1 {
		t.Fatalf("beInt(0xFF) = %d, want -1", got)
	}
	if got := beInt([]byte{0x00, 0x01}); got != 1 {
		t.Fatalf("beInt(0x0001) = %d, want 1", got)
	}
}
