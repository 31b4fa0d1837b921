package base

import (
	"errors"
)

// Enqueue errors surfaced to producers. The producing application decides
// drop-vs-fallback; the pipeline itself never spills to unbounded local storage.
var (
	// ErrBufferFull means the stream reached its capacity under the backpressure
	// policy and the bounded wait ran out
	ErrBufferFull = errors.New("stream buffer is full")

	// ErrBufferUnavailable means the buffer storage cannot currently accept or
	// serve entries, e.g. the queue directory is gone
	ErrBufferUnavailable = errors.New("stream buffer is unavailable")

	// ErrSerialization means the record could not be serialized for buffering
	ErrSerialization = errors.New("record serialization failed")
)

// Lease and ack errors surfaced to shippers
var (
	// ErrUnknownStream means the stream has no queue in the buffer
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStaleLease means an ack or extension carried a token that no longer
	// holds the entry: the lease expired and the entry was re-leased or removed
	ErrStaleLease = errors.New("lease expired or superseded")
)

// Shipping errors surfaced by sink clients
var (
	// ErrSinkUnavailable means the sink could not be reached or timed out; the
	// whole batch remains unacked and is retried after lease expiry
	ErrSinkUnavailable = errors.New("indexing sink is unavailable")

	// ErrAuthFailure means the sink or credential provider rejected the
	// credentials; retrying without operator action is pointless but harmless
	ErrAuthFailure = errors.New("sink authentication failed")
)
