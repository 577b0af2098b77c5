package schemas

import "context"

// -- Graph Persistence Models --

// MutationOp names an idempotent command for a durable graph store.
type MutationOp string

const (
	OpUpsertAccount MutationOp = "UpsertAccount"
	OpRecordContent MutationOp = "RecordContent"
	OpRecordEdge    MutationOp = "RecordEdge"
)

// Mutation is one replay-safe graph command. Exactly one payload is set, matching Op.
type Mutation struct {
	Op      MutationOp `json:"op"`
	Account *Account   `json:"account,omitempty"`
	Content *Content   `json:"content,omitempty"`
	Edge    *Edge      `json:"edge,omitempty"`
}

// -- Collaborator Interfaces --

// MutationSink receives graph mutations for durable storage. Applying the same
// mutation twice must be a no-op.
type MutationSink interface {
	Apply(ctx context.Context, mutations []Mutation) error
}

// AlertSink receives alert state transitions in commit order.
type AlertSink interface {
	Publish(ctx context.Context, transitions []AlertTransition) error
}

// EvictionSink is told which working-set ids can be moved to cold storage.
// Returning nil acknowledges the ids have been archived and may be released.
type EvictionSink interface {
	Archive(ctx context.Context, notice EvictionNotice) error
}

// EventIngester is the push-side ingestion contract implemented by the engine.
// The returned error is per-event; callers keep going.
type EventIngester interface {
	Ingest(ctx context.Context, raw RawEvent) error
}
