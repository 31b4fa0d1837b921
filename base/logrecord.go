package base

import (
	"time"
)

// LogRecord is one structured log event as emitted by a producer, immutable once created
//
// Sequence is assigned by the producer client and increases monotonically within one
// producer instance; together with StreamID it forms the dedup key used by sinks
// to tolerate at-least-once redelivery.
type LogRecord struct {
	Timestamp time.Time      // when the event occurred, set at emission
	StreamID  string         // owning application + environment, partitions the buffer
	Severity  Severity       // ordered severity
	Fields    map[string]any // structured payload of scalar or string values
	Sequence  uint64         // per-producer-instance counter for ordering and dedup
}
