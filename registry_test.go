package collector

import "testing"

func TestRegisterWorkerCreatorAndLookup(t *testing.T) {
	tag := ProtocolType("test_protocol_registry_lookup")
	RegisterWorkerCreator(tag, func(info *DeviceInfo, points []*DataPoint, pipeline Pipeline, status StatusPublisher, metrics *ContextMetrics, settings ReconnectionSettings) (Worker, error) {
		return nil, nil
	})

	if _, ok := LookupWorkerCreator(tag); !ok {
		t.Fatal("expected creator to be registered")
	}
	if _, ok := LookupWorkerCreator(ProtocolType("does_not_exist")); ok {
		t.Fatal("expected lookup of unregistered protocol to fail")
	}

	found := false
	for _, p := range RegisteredProtocols() {
		if p == tag {
			found = true
		}
	}
	if !found {
		t.Fatal("expected RegisteredProtocols to include the registered tag")
	}
}

func TestRegisterWorkerCreatorDuplicatePanics(t *testing.T) {
	tag := ProtocolType("test_protocol_registry_dup")
	noopCreator := func(info *DeviceInfo, points []*DataPoint, pipeline Pipeline, status StatusPublisher, metrics *ContextMetrics, settings ReconnectionSettings) (Worker, error) {
		return nil, nil
	}
	RegisterWorkerCreator(tag, noopCreator)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterWorkerCreator(tag, noopCreator)
}

func TestFuture(t *testing.T) {
	f, complete := NewFuture()
	select {
	case <-f.Done():
		t.Fatal("future must not be done before complete is called")
	default:
	}
	complete(nil)
	<-f.Done()
	if f.Err() != nil {
		t.Fatalf("expected nil error, got %v", f.Err())
	}

	resolved := ResolvedFuture(ErrAlreadyRunning)
	<-resolved.Done()
	if resolved.Err() != ErrAlreadyRunning {
		t.Fatalf("ResolvedFuture err = %v, want %v", resolved.Err(), ErrAlreadyRunning)
	}
}
