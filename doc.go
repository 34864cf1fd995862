// Package collector defines the device-worker runtime shared by every
// protocol-specific worker in this module: the data model (DeviceInfo,
// DataPoint, TimestampedValue), the ProtocolDriver contract a worker owns,
// the Pipeline and StatusPublisher interfaces a worker emits into, and the
// CollectorContext that carries the shared pipeline, status publisher and
// metrics through a process without relying on package-level singletons.
//
// Subpackages build on top of this one: transport hosts the TCP/Serial/UDP
// transport bases, worker hosts BaseDeviceWorker and the reconnect
// controller, drivers/* hosts the concrete protocol workers, factory and
// manager host the process-scope construction and registry, and
// repository/pipeline host the storage and emission interfaces plus their
// in-memory and Azure-backed implementations.
package collector
