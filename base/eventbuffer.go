package base

import (
	"context"
	"time"
)

// EventBuffer is the durable, bounded, per-stream queue between producer clients
// and shipper workers. It is the single source of mutual-exclusion truth: many
// producers and many shippers share one buffer and coordinate only through these
// four operations, each atomic from the caller's perspective.
//
// Delivery is at-least-once: entries not acked before their lease expires become
// visible again. Consumers dedup on StreamID+Sequence downstream.
type EventBuffer interface {
	// Enqueue appends a serialized record to the stream, creating the stream on
	// first use. Blocks up to the context deadline when the stream is full under
	// the backpressure policy; fails fast with ErrBufferFull once it passes.
	Enqueue(ctx context.Context, streamID string, payload []byte) (EntryID, error)

	// Lease returns up to maxCount unacknowledged, currently visible entries in
	// enqueue order, marking them invisible to other Lease calls for the given
	// visibility timeout. Blocks up to defs.BufferPollInterval when nothing is
	// visible; an empty result is not an error.
	Lease(ctx context.Context, streamID string, maxCount int, visibility time.Duration) ([]BufferEntry, error)

	// Ack permanently removes entries whose lease token still holds. The count of
	// entries actually removed is returned; stale acks are skipped and reported
	// via ErrStaleLease after all valid ones are applied.
	Ack(ctx context.Context, streamID string, acks []EntryAck) (int, error)

	// ExtendLease pushes the visibility deadline of still-held leases out by the
	// given duration from now. Stale tokens are skipped like in Ack.
	ExtendLease(ctx context.Context, streamID string, acks []EntryAck, visibility time.Duration) (int, error)

	// ListStreams returns the IDs of all streams with a queue, including
	// dead-letter streams and streams currently empty
	ListStreams() []string

	// Close settles in-flight operations and releases storage handles. Buffered
	// entries stay on durable storage for recovery at next open.
	Close()
}

// StreamStats reports per-stream occupancy, for operational introspection
type StreamStats struct {
	Entries      int   // entries queued, leased ones included
	Bytes        int64 // total payload bytes queued
	Leased       int   // entries under an unexpired lease
	DroppedTotal int64 // entries evicted so far under the evict-oldest policy
}
