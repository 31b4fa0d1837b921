package base

import (
	"context"
)

// SinkClient submits batches of records to an indexing sink. Implementations
// must be duplicate-tolerant (redelivered records carry the same
// StreamID+Sequence) and must report partial-batch failure explicitly rather
// than silently dropping a subset.
type SinkClient interface {
	// SubmitBatch forwards the records and waits for confirmation within the
	// context deadline. A nil error with an empty FailedIndexes means the whole
	// batch is safe to ack. A non-nil error means nothing may be acked.
	SubmitBatch(ctx context.Context, records []*LogRecord) (SinkBatchResult, error)

	// Close releases the connection; safe to call more than once
	Close() error
}

// SinkBatchResult reports the outcome of one SubmitBatch call
type SinkBatchResult struct {
	// FailedIndexes lists positions (into the submitted slice) of records the
	// sink rejected while accepting the rest. Accepted records must be acked
	// exactly as if the batch had fully succeeded.
	FailedIndexes []int
}

// Failed reports whether any record in the batch was rejected
func (result SinkBatchResult) Failed() bool {
	return len(result.FailedIndexes) > 0
}
