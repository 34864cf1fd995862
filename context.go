package collector

// CollectorContext is a constructed, passed-by-reference alternative to
// process-wide manager/factory singletons. A test builds its own
// CollectorContext wired to fake repositories, a fake Pipeline and a fake
// StatusPublisher; production code builds one at startup and threads it
// through cmd/collectord.
//
// CollectorContext intentionally only holds the three collaborators the core
// needs a handle to — it is not itself a registry. package manager.Manager
// and package factory.Factory are constructed from one of these and hold the
// actual process-scope state.
type CollectorContext struct {
	Pipeline Pipeline
	Status   StatusPublisher
	Metrics  *ContextMetrics
}

// ContextMetrics accumulates process-wide counters that don't belong to any
// single worker. BaseDeviceWorker records into it the outcome of every
// pipeline send, every driver write and every failed read; Snapshot returns
// the totals.
type ContextMetrics struct {
	recorder StatisticsRecorder
}

// RecordEmission folds one operation outcome (a pipeline send, a driver
// write or a failed read) into the shared counters.
func (m *ContextMetrics) RecordEmission(err error) {
	if m == nil {
		return
	}
	m.recorder.RecordOperation(0, err, false)
}

// Snapshot returns the accumulated emission statistics.
func (m *ContextMetrics) Snapshot() DriverStatistics {
	if m == nil {
		return DriverStatistics{}
	}
	return m.recorder.Snapshot()
}

// NewCollectorContext wires the given collaborators into a context. Metrics
// always starts as a fresh ContextMetrics, so callers never nil-check it.
func NewCollectorContext(pipeline Pipeline, status StatusPublisher) *CollectorContext {
	return &CollectorContext{
		Pipeline: pipeline,
		Status:   status,
		Metrics:  &ContextMetrics{},
	}
}
