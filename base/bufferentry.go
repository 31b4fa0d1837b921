package base

import (
	"fmt"
	"time"
)

// EntryID identifies a buffered entry within its stream. IDs are assigned in
// enqueue order and sort lexically the same as numerically (zero-padded hex),
// which also makes them usable as filenames.
type EntryID string

// BufferEntry is a serialized LogRecord plus delivery metadata, as handed out by Lease
type BufferEntry struct {
	ID               EntryID   // unique within the stream, FIFO order
	Payload          []byte    // serialized LogRecord (bcodec)
	EnqueuedAt       time.Time // when the entry was accepted by the buffer
	DeliveryAttempts int       // numbers of leases issued for this entry, including the current one
	VisibleAfter     time.Time // end of the current lease
	LeaseToken       string    // token of the current lease, required to ack or extend
}

// EntryAck identifies one leased entry for Ack or ExtendLease. The token must be
// the one issued by the lease being settled; a stale token is rejected.
type EntryAck struct {
	ID    EntryID
	Token string
}

func (entry BufferEntry) String() string {
	return fmt.Sprintf("id=%s len=%d attempts=%d", entry.ID, len(entry.Payload), entry.DeliveryAttempts)
}

// AckOf makes the EntryAck settling this entry's current lease
func (entry BufferEntry) AckOf() EntryAck {
	return EntryAck{ID: entry.ID, Token: entry.LeaseToken}
}
