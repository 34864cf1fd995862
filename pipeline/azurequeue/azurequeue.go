// Package azurequeue implements an alternate collector.Pipeline that posts
// emission batches to an Azure Storage Queue instead of holding them
// in-process, for deployments where the downstream consumer lives outside
// the collector process.
package azurequeue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/fieldgrid/collector"
)

// wireBatch is the JSON envelope persisted in one queue message. Queue
// messages must be valid UTF-8/XML-safe text, so the whole envelope is
// base64-encoded before being enqueued.
type wireBatch struct {
	DeviceID      string                       `json:"device_id"`
	CorrelationID string                       `json:"correlation_id"`
	Sequence      uint64                       `json:"sequence"`
	Priority      collector.Priority           `json:"priority"`
	Values        []collector.TimestampedValue `json:"values"`
}

// Pipeline implements collector.Pipeline against a single Azure Storage
// Queue. Every call enqueues one message; there is no per-device batching
// or back-pressure at this layer — that is package pipeline's job when a
// local Channel is interposed in front of this one.
type Pipeline struct {
	queue *azqueue.QueueClient
}

// New builds a Pipeline around an already-constructed queue client. Client
// construction (credentials, SAS, endpoint) is left to the caller rather
// than owning credential management here.
func New(queue *azqueue.QueueClient) *Pipeline {
	return &Pipeline{queue: queue}
}

// Send implements collector.Pipeline.
func (p *Pipeline) Send(batch collector.Batch, priority collector.Priority) error {
	wb := wireBatch{
		DeviceID:      batch.DeviceID,
		CorrelationID: batch.CorrelationID,
		Sequence:      batch.Sequence,
		Priority:      priority,
		Values:        batch.Values,
	}
	raw, err := json.Marshal(wb)
	if err != nil {
		return fmt.Errorf("azurequeue: encode batch: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	_, err = p.queue.EnqueueMessage(context.Background(), encoded, nil)
	if err != nil {
		return fmt.Errorf("azurequeue: enqueue: %w", err)
	}
	return nil
}
