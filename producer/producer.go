// Package producer provides the in-process client library that applications use
// to emit log records into the event buffer.
//
// Emit never blocks beyond the configured enqueue timeout: a full or broken
// buffer surfaces as an error (or goes to the local fallback file in
// development mode), never as an unbounded stall on the caller's request path.
package producer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/relex/gotils/logger"
	promexporter "github.com/relex/gotils/promexporter/promext"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bcodec"
	"github.com/relex/slog-relay/defs"
)

// Producer enqueues log records of one stream. Safe for concurrent use.
type Producer struct {
	logger   logger.Logger
	config   Config
	buffer   base.EventBuffer
	fallback *fallbackWriter // nil unless local fallback is enabled
	sequence uint64          // atomic, per-producer-instance

	emittedTotal       promexporter.RWCounter
	failedTotal        promexporter.RWCounter
	fallbackTotal      promexporter.RWCounter
	oversizedTotal     promexporter.RWCounter
	emittedRecordBytes promexporter.RWCounter
}

// NewProducer creates a producer for the stream named in config
func NewProducer(parentLogger logger.Logger, config Config, buffer base.EventBuffer,
	metricFactory *base.MetricFactory) (*Producer, error) {

	if err := config.VerifyConfig(); err != nil {
		return nil, err
	}
	plogger := parentLogger.WithFields(logger.Fields{
		defs.LabelComponent: "Producer",
		defs.LabelStream:    config.StreamID,
	})

	var fallback *fallbackWriter
	if config.LocalFallbackEnabled {
		writer, ferr := newFallbackWriter(config.LocalFallbackPath)
		if ferr != nil {
			return nil, fmt.Errorf("failed to open fallback file: %w", ferr)
		}
		plogger.Warnf("local fallback enabled path='%s', for development only", config.LocalFallbackPath)
		fallback = writer
	}

	pfactory := metricFactory.NewSubFactory("producer_", []string{defs.LabelStream}, []string{config.StreamID})
	return &Producer{
		logger:             plogger,
		config:             config,
		buffer:             buffer,
		fallback:           fallback,
		emittedTotal:       pfactory.AddOrGetCounter("emitted_records_total", "Numbers of records enqueued", nil, nil),
		failedTotal:        pfactory.AddOrGetCounter("failed_records_total", "Numbers of records that failed to enqueue", nil, nil),
		fallbackTotal:      pfactory.AddOrGetCounter("fallback_records_total", "Numbers of records diverted to the local fallback file", nil, nil),
		oversizedTotal:     pfactory.AddOrGetCounter("oversized_records_total", "Numbers of records rejected for exceeding the size limit", nil, nil),
		emittedRecordBytes: pfactory.AddOrGetCounter("emitted_record_bytes_total", "Serialized bytes of records enqueued", nil, nil),
	}, nil
}

// Emit validates, serializes and enqueues one record with a bounded wait.
//
// The record's Sequence is assigned here; StreamID and Timestamp are filled
// from the config and the clock when unset. The returned EntryID is empty when
// the record went to the local fallback file instead of the buffer.
func (producer *Producer) Emit(record base.LogRecord) (base.EntryID, error) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if len(record.StreamID) == 0 {
		record.StreamID = producer.config.StreamID
	}
	if record.Severity > base.SeverityFatal {
		producer.failedTotal.Inc()
		return "", fmt.Errorf("%w: invalid severity %d", base.ErrSerialization, record.Severity)
	}
	record.Sequence = atomic.AddUint64(&producer.sequence, 1)

	payload, serr := bcodec.EncodeRecord(&record)
	if serr != nil {
		producer.failedTotal.Inc()
		return "", serr
	}
	if len(payload) > defs.InputRecordMaxBytes {
		producer.failedTotal.Inc()
		producer.oversizedTotal.Inc()
		return "", fmt.Errorf("%w: record of %d bytes exceeds the limit of %d", base.ErrSerialization,
			len(payload), defs.InputRecordMaxBytes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), producer.config.enqueueTimeout())
	defer cancel()
	id, eerr := producer.buffer.Enqueue(ctx, record.StreamID, payload)
	if eerr != nil {
		producer.failedTotal.Inc()
		if producer.fallback != nil {
			if ferr := producer.fallback.writeRecord(&record); ferr == nil {
				producer.fallbackTotal.Inc()
				return "", nil
			}
			producer.logger.Warnf("record lost: buffer and fallback both failed seq=%d", record.Sequence)
		}
		return "", eerr
	}

	producer.emittedTotal.Inc()
	producer.emittedRecordBytes.Add(uint64(len(payload)))
	return id, nil
}

// Close flushes and closes the local fallback file if one is open
func (producer *Producer) Close() error {
	if producer.fallback != nil {
		return producer.fallback.close()
	}
	return nil
}
