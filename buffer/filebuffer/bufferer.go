package filebuffer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
)

// bufferer is a file-backed EventBuffer: one queue dir per stream under the
// root path, one file per entry. All coordination between producers and
// shipper workers happens through the four stream-queue operations; the
// bufferer itself only routes by stream ID.
type bufferer struct {
	logger        logger.Logger
	config        *Config
	rootPath      string
	metricFactory *base.MetricFactory
	streams       *xsync.Map // stream ID -> *streamQueue
}

func openBuffer(parentLogger logger.Logger, config *Config, rootPath string, metricFactory *base.MetricFactory) (base.EventBuffer, error) {
	bufLogger := parentLogger.WithField(defs.LabelComponent, "FileBuffer")

	if derr := os.MkdirAll(rootPath, 0755); derr != nil {
		return nil, fmt.Errorf("%w: cannot create root dir '%s': %s", base.ErrBufferUnavailable, rootPath, derr.Error())
	}

	buf := &bufferer{
		logger:        bufLogger,
		config:        config,
		rootPath:      rootPath,
		metricFactory: metricFactory.NewSubFactory("buffer_", nil, nil),
		streams:       xsync.NewMap(),
	}

	// recover queues of streams buffered before the last shutdown, so their
	// entries are visible to shippers before any producer comes back
	recovered := listStreamQueueDirs(bufLogger, rootPath)
	for _, streamID := range recovered {
		buf.getOrCreateStream(streamID)
	}
	bufLogger.Infof("opened at '%s' with %d recovered streams", rootPath, len(recovered))
	return buf, nil
}

func (buf *bufferer) getOrCreateStream(streamID string) *streamQueue {
	if existing, found := buf.streams.Load(streamID); found {
		return existing.(*streamQueue)
	}
	created := newStreamQueue(buf.logger, buf.rootPath, streamID, buf.config.resolvePolicy(streamID), buf.metricFactory)
	actual, loaded := buf.streams.LoadOrStore(streamID, created)
	if loaded {
		created.close() // lost the race, discard the duplicate handle
	}
	return actual.(*streamQueue)
}

// Enqueue implements base.EventBuffer
func (buf *bufferer) Enqueue(ctx context.Context, streamID string, payload []byte) (base.EntryID, error) {
	return buf.getOrCreateStream(streamID).enqueue(ctx, payload)
}

// Lease implements base.EventBuffer
func (buf *bufferer) Lease(ctx context.Context, streamID string, maxCount int, visibility time.Duration) ([]base.BufferEntry, error) {
	return buf.getOrCreateStream(streamID).lease(ctx, maxCount, visibility)
}

// Ack implements base.EventBuffer
func (buf *bufferer) Ack(_ context.Context, streamID string, acks []base.EntryAck) (int, error) {
	queue, found := buf.streams.Load(streamID)
	if !found {
		return 0, fmt.Errorf("%w: '%s'", base.ErrUnknownStream, streamID)
	}
	return queue.(*streamQueue).ack(acks)
}

// ExtendLease implements base.EventBuffer
func (buf *bufferer) ExtendLease(_ context.Context, streamID string, acks []base.EntryAck, visibility time.Duration) (int, error) {
	queue, found := buf.streams.Load(streamID)
	if !found {
		return 0, fmt.Errorf("%w: '%s'", base.ErrUnknownStream, streamID)
	}
	return queue.(*streamQueue).extendLease(acks, visibility)
}

// ListStreams implements base.EventBuffer
func (buf *bufferer) ListStreams() []string {
	streamIDs := make([]string, 0, 10)
	buf.streams.Range(func(streamID string, _ interface{}) bool {
		streamIDs = append(streamIDs, streamID)
		return true
	})
	sort.Strings(streamIDs)
	return streamIDs
}

// StreamStats returns occupancy of one stream, for introspection and tests
func (buf *bufferer) StreamStats(streamID string) (base.StreamStats, error) {
	queue, found := buf.streams.Load(streamID)
	if !found {
		return base.StreamStats{}, fmt.Errorf("%w: '%s'", base.ErrUnknownStream, streamID)
	}
	return queue.(*streamQueue).stats(), nil
}

// Close implements base.EventBuffer
func (buf *bufferer) Close() {
	buf.streams.Range(func(streamID string, queue interface{}) bool {
		queue.(*streamQueue).close()
		return true
	})
	buf.logger.Info("closed")
}
