// Package btest provides test doubles for pipeline components
package btest

import (
	"context"
	"fmt"
	"sync"

	"github.com/relex/slog-relay/base"
)

// FakeSink is an in-memory SinkClient keeping a deduplicated logical view of
// everything submitted, keyed by StreamID+Sequence like a real indexing sink
// tolerating at-least-once redelivery. Failures can be injected per batch or
// per record to exercise shipper retry paths.
type FakeSink struct {
	mu              sync.Mutex
	indexed         map[string]*base.LogRecord
	order           []string
	submissions     int
	duplicates      int
	failNextBatches int
	failRecords     map[string]int
	closed          bool
}

// NewFakeSink creates an empty FakeSink
func NewFakeSink() *FakeSink {
	return &FakeSink{
		indexed:     make(map[string]*base.LogRecord, 100),
		failRecords: make(map[string]int),
	}
}

func dedupKey(streamID string, sequence uint64) string {
	return fmt.Sprintf("%s/%d", streamID, sequence)
}

// SubmitBatch implements base.SinkClient
func (sink *FakeSink) SubmitBatch(_ context.Context, records []*base.LogRecord) (base.SinkBatchResult, error) {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	sink.submissions++
	if sink.failNextBatches > 0 {
		sink.failNextBatches--
		return base.SinkBatchResult{}, fmt.Errorf("%w: injected failure", base.ErrSinkUnavailable)
	}

	result := base.SinkBatchResult{}
	for i, record := range records {
		key := dedupKey(record.StreamID, record.Sequence)
		if remaining, found := sink.failRecords[key]; found && remaining > 0 {
			sink.failRecords[key] = remaining - 1
			result.FailedIndexes = append(result.FailedIndexes, i)
			continue
		}
		if _, seen := sink.indexed[key]; seen {
			sink.duplicates++
			continue
		}
		sink.indexed[key] = record
		sink.order = append(sink.order, key)
	}
	return result, nil
}

// Close implements base.SinkClient
func (sink *FakeSink) Close() error {
	sink.mu.Lock()
	sink.closed = true
	sink.mu.Unlock()
	return nil
}

// FailNextBatches makes the next n SubmitBatch calls fail entirely
func (sink *FakeSink) FailNextBatches(n int) {
	sink.mu.Lock()
	sink.failNextBatches = n
	sink.mu.Unlock()
}

// FailRecord makes the record with the given dedup key be rejected the next n
// times it appears in a batch, while the rest of its batch is accepted
func (sink *FakeSink) FailRecord(streamID string, sequence uint64, n int) {
	sink.mu.Lock()
	sink.failRecords[dedupKey(streamID, sequence)] = n
	sink.mu.Unlock()
}

// IndexedCount returns the size of the deduplicated logical view
func (sink *FakeSink) IndexedCount() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return len(sink.indexed)
}

// Indexed reports whether the record with the given key reached the index
func (sink *FakeSink) Indexed(streamID string, sequence uint64) bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	_, found := sink.indexed[dedupKey(streamID, sequence)]
	return found
}

// IndexedOrder returns dedup keys in first-indexed order
func (sink *FakeSink) IndexedOrder() []string {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]string(nil), sink.order...)
}

// DuplicateCount returns how many redelivered records were absorbed by dedup
func (sink *FakeSink) DuplicateCount() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.duplicates
}

// Submissions returns the total numbers of SubmitBatch calls
func (sink *FakeSink) Submissions() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.submissions
}
