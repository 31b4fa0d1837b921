// Package bcodec defines the wire format of buffered log records
//
// Records are encoded as msgpack maps with single-letter keys. The encoding must
// stay stable across versions: entries written before an upgrade are still read
// back from the buffer after it.
package bcodec

import (
	"fmt"
	"time"

	"github.com/relex/slog-relay/base"
	"github.com/vmihailenco/msgpack/v4"
)

type wireRecord struct {
	Timestamp int64          `msgpack:"t"` // UnixNano, no msgpack ext types for cross-runtime decoding
	StreamID  string         `msgpack:"s"`
	Severity  uint8          `msgpack:"v"`
	Sequence  uint64         `msgpack:"q"`
	Fields    map[string]any `msgpack:"f"`
}

// EncodeRecord serializes a record into its buffered payload
func EncodeRecord(record *base.LogRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(&wireRecord{
		Timestamp: record.Timestamp.UnixNano(),
		StreamID:  record.StreamID,
		Severity:  uint8(record.Severity),
		Sequence:  record.Sequence,
		Fields:    record.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", base.ErrSerialization, err.Error())
	}
	return payload, nil
}

// DecodeRecord deserializes a buffered payload back into a record
func DecodeRecord(payload []byte) (*base.LogRecord, error) {
	wire := wireRecord{}
	if err := msgpack.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", base.ErrSerialization, err.Error())
	}
	return &base.LogRecord{
		Timestamp: time.Unix(0, wire.Timestamp),
		StreamID:  wire.StreamID,
		Severity:  base.Severity(wire.Severity),
		Fields:    wire.Fields,
		Sequence:  wire.Sequence,
	}, nil
}
