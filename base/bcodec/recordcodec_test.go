package bcodec

import (
	"testing"
	"time"

	"github.com/relex/slog-relay/base"
	"github.com/stretchr/testify/assert"
)

func TestRecordRoundTrip(t *testing.T) {
	in := &base.LogRecord{
		Timestamp: time.Date(2023, 4, 1, 12, 30, 0, 987654321, time.UTC),
		StreamID:  "checkout-prod",
		Severity:  base.SeverityWarn,
		Fields: map[string]any{
			"message": "payment retry",
			"count":   3,
			"latency": 0.25,
			"cached":  false,
		},
		Sequence: 42,
	}

	payload, err := EncodeRecord(in)
	assert.NoError(t, err)

	out, err := DecodeRecord(payload)
	assert.NoError(t, err)
	assert.Equal(t, in.Timestamp.UnixNano(), out.Timestamp.UnixNano())
	assert.Equal(t, in.StreamID, out.StreamID)
	assert.Equal(t, in.Severity, out.Severity)
	assert.Equal(t, in.Sequence, out.Sequence)
	assert.Equal(t, "payment retry", out.Fields["message"])
	assert.EqualValues(t, 3, out.Fields["count"])
	assert.EqualValues(t, 0.25, out.Fields["latency"])
	assert.Equal(t, false, out.Fields["cached"])
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte{0xc1, 0xff, 0x00})
	assert.ErrorIs(t, err, base.ErrSerialization)
}
