package defs

import (
	"time"
)

var (
	// InputRecordMaxBytes defines the maximum serialized length of a single log record
	//
	// Emit fails with a serialization error if the limit is exceeded, to keep any
	// single entry well below the per-stream size budget
	InputRecordMaxBytes = 1 * 1024 * 1024

	// ProducerEnqueueTimeout is the default bound on how long Emit may block on a
	// full stream before giving up with ErrBufferFull
	//
	// It must stay short: Emit is called from the producing application's request
	// path and is never allowed to stall it indefinitely
	ProducerEnqueueTimeout = 2 * time.Second

	// BufferPollInterval is how long a Lease call may wait for entries to become
	// visible before returning empty-handed
	BufferPollInterval = 500 * time.Millisecond

	// BufferMaxEntriesPerStream is the default cap on queued entries per stream,
	// applied when the buffer config leaves maxStreamEntries unset
	BufferMaxEntriesPerStream = 100000

	// BufferShutDownTimeout is the duration to wait for the buffer to settle
	// in-flight operations during Close
	BufferShutDownTimeout = 30 * time.Second
)

var (
	// ShipperVisibilityTimeout is the default lease duration. It must exceed the
	// expected sink round-trip with margin or batches get redelivered while still
	// in flight
	ShipperVisibilityTimeout = 2 * time.Minute

	// ShipperBatchSize is the default maximum entries leased per cycle
	ShipperBatchSize = 200

	// ShipperMaxDeliveryAttempts is the default per-record attempt budget before
	// quarantine to the dead-letter stream
	ShipperMaxDeliveryAttempts = 6

	// ShipperSplitAfterFailures is how many consecutive failures on the same spot
	// of a stream before the lease size is halved to isolate a poison record
	ShipperSplitAfterFailures = 3

	// ShipperRetryInterval is how long a worker backs off after a sink or buffer
	// storage failure
	ShipperRetryInterval = 10 * time.Second

	// ShipperStreamRescanInterval is how often a shipper group looks for newly
	// created streams matching its patterns
	ShipperStreamRescanInterval = 30 * time.Second
)

var (
	// SinkConnectionTimeout is for establishing a TCP connection to a sink
	SinkConnectionTimeout = 60 * time.Second

	// SinkHandshakeTimeout is for the shared-secret handshake with a fluentd sink
	SinkHandshakeTimeout = SinkConnectionTimeout + SinkConnectionTimeout/2

	// SinkBatchSendMinimumSpeed is the minimum speed in bytes/sec used to scale
	// the send timeout by payload size
	SinkBatchSendMinimumSpeed = 10 * 1024

	// SinkBatchSendTimeoutBase is how long to wait at least for sending one batch
	SinkBatchSendTimeoutBase = SinkConnectionTimeout + SinkConnectionTimeout/2

	// SinkBatchAckTimeout is how long to wait for a batch acknowledgement
	SinkBatchAckTimeout = SinkConnectionTimeout + 60*time.Second

	// SinkPingInterval is how often to send an empty keep-alive message on an
	// idle fluentd connection
	SinkPingInterval = 20 * time.Second
)

// For testing and experiments
const (
	TestReadTimeout = 5 * time.Second
)

// EnableTestMode turns on test mode with very short timeouts and minimal retry delay
func EnableTestMode() {
	ProducerEnqueueTimeout = 100 * time.Millisecond
	BufferPollInterval = 20 * time.Millisecond
	ShipperVisibilityTimeout = 1 * time.Second
	ShipperRetryInterval = 100 * time.Millisecond
	ShipperStreamRescanInterval = 200 * time.Millisecond
	SinkConnectionTimeout = 1 * time.Second
	SinkHandshakeTimeout = 2 * time.Second
	SinkBatchSendTimeoutBase = 3 * time.Second
	SinkBatchAckTimeout = 3 * time.Second
	SinkPingInterval = 1 * time.Second
}
