package filebuffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/xattr"
	"github.com/relex/gotils/logger"
	promexporter "github.com/relex/gotils/promexporter/promext"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
	"golang.org/x/exp/slices"
)

const xattrAttempts = "user.slogrelay.attempts"

type queueEntry struct {
	id           base.EntryID
	payload      []byte
	enqueuedAt   time.Time
	attempts     int
	visibleAfter time.Time
	leaseToken   string // empty until first lease
}

type streamQueueMetrics struct {
	queuedEntries    promexporter.RWGauge
	queuedBytes      promexporter.RWGauge
	inputTotal       promexporter.RWCounter
	consumedTotal    promexporter.RWCounter
	redeliveredTotal promexporter.RWCounter
	droppedTotal     promexporter.RWCounter
	staleAcksTotal   promexporter.RWCounter
	ioErrorsTotal    promexporter.RWCounter
}

// streamQueue is the FIFO queue of one stream: an in-memory entry index backed
// by one file per entry in the queue dir. All mutation happens under mu; the
// four buffer operations are atomic from the caller's perspective.
type streamQueue struct {
	logger       logger.Logger
	streamID     string
	dirPath      string
	maybeDir     *os.File // nil if the queue dir could not be opened
	policy       streamPolicy
	mu           sync.Mutex
	entries      []*queueEntry
	totalBytes   int64
	nextSeq      uint64
	hasInput     chan struct{} // signaled on enqueue, capacity 1
	hasSpace     chan struct{} // signaled on ack or eviction, capacity 1
	droppedCount int64
	metrics      streamQueueMetrics
}

func newStreamQueue(parentLogger logger.Logger, rootPath string, streamID string, policy streamPolicy,
	metricFactory *base.MetricFactory) *streamQueue {

	qlogger := parentLogger.WithField(defs.LabelStream, streamID)
	dirPath := makeStreamQueueDir(qlogger, rootPath, streamID)

	maybeDir, oerr := os.Open(dirPath)
	if oerr != nil {
		qlogger.Errorf("error opening queue dir path='%s': %s", dirPath, oerr.Error())
		maybeDir = nil
	}

	streamFactory := metricFactory.NewSubFactory("", []string{defs.LabelStream}, []string{streamID})
	queue := &streamQueue{
		logger:   qlogger,
		streamID: streamID,
		dirPath:  dirPath,
		maybeDir: maybeDir,
		policy:   policy,
		hasInput: make(chan struct{}, 1),
		hasSpace: make(chan struct{}, 1),
		metrics: streamQueueMetrics{
			queuedEntries:    streamFactory.AddOrGetGauge("queued_entries", "Numbers of currently queued entries", nil, nil),
			queuedBytes:      streamFactory.AddOrGetGauge("queued_bytes", "Payload bytes of currently queued entries", nil, nil),
			inputTotal:       streamFactory.AddOrGetCounter("input_entries_total", "Numbers of enqueued entries", nil, nil),
			consumedTotal:    streamFactory.AddOrGetCounter("consumed_entries_total", "Numbers of acked entries", nil, nil),
			redeliveredTotal: streamFactory.AddOrGetCounter("redelivered_entries_total", "Numbers of re-leases after lease expiry", nil, nil),
			droppedTotal:     streamFactory.AddOrGetCounter("dropped_entries_total", "Numbers of entries evicted under the evict-oldest policy", nil, nil),
			staleAcksTotal:   streamFactory.AddOrGetCounter("stale_acks_total", "Numbers of acks or extensions rejected due to expired leases", nil, nil),
			ioErrorsTotal:    streamFactory.AddOrGetCounter("io_errors_total", "Numbers of I/O errors on entry files", nil, nil),
		},
	}
	queue.recoverEntries()
	return queue
}

// recoverEntries restores pending entries from the queue dir after restart,
// in entry ID order. Delivery attempts come back from xattr, best effort.
func (queue *streamQueue) recoverEntries() {
	if queue.maybeDir == nil {
		return
	}
	fnames, derr := queue.maybeDir.Readdirnames(0)
	if derr != nil {
		queue.metrics.ioErrorsTotal.Inc()
		queue.logger.Errorf("error scanning queue dir: %s", derr.Error())
		return
	}
	slices.Sort(fnames)

	for _, fn := range fnames {
		seq, ok := parseEntrySeq(fn)
		if !ok {
			queue.logger.Warnf("skip unmatched file in queue dir: %s", fn)
			continue
		}
		payload, rerr := util.ReadFileAt(queue.maybeDir, fn)
		if rerr != nil {
			queue.metrics.ioErrorsTotal.Inc()
			queue.logger.Errorf("error reading entry file %s: %s", fn, rerr.Error())
			continue
		}
		entry := &queueEntry{
			id:         base.EntryID(fn),
			payload:    payload,
			enqueuedAt: time.Now(),
			attempts:   queue.readAttempts(fn),
		}
		queue.entries = append(queue.entries, entry)
		queue.totalBytes += int64(len(payload))
		if seq >= queue.nextSeq {
			queue.nextSeq = seq + 1
		}
	}
	queue.metrics.queuedEntries.Add(int64(len(queue.entries)))
	queue.metrics.queuedBytes.Add(queue.totalBytes)
	if len(queue.entries) > 0 {
		queue.logger.Infof("recovered entries count=%d bytes=%d", len(queue.entries), queue.totalBytes)
		queue.signal(queue.hasInput)
	}
}

func (queue *streamQueue) enqueue(ctx context.Context, payload []byte) (base.EntryID, error) {
	if queue.maybeDir == nil {
		return "", fmt.Errorf("%w: no queue dir for stream '%s'", base.ErrBufferUnavailable, queue.streamID)
	}
	size := int64(len(payload))

	queue.mu.Lock()
	for queue.overCapacityLocked(size) {
		if queue.policy.evictOld {
			if !queue.evictOldestLocked() {
				// everything left is under an active lease
				queue.mu.Unlock()
				return "", fmt.Errorf("%w: stream '%s' fully leased", base.ErrBufferFull, queue.streamID)
			}
			continue
		}
		queue.mu.Unlock()
		select {
		case <-queue.hasSpace:
			queue.mu.Lock()
		case <-ctx.Done():
			return "", fmt.Errorf("%w: stream '%s'", base.ErrBufferFull, queue.streamID)
		}
	}

	id := makeEntryID(queue.nextSeq)
	queue.nextSeq++
	if werr := util.WriteFileAt(queue.maybeDir, string(id), payload, 0644); werr != nil {
		queue.metrics.ioErrorsTotal.Inc()
		queue.mu.Unlock()
		return "", fmt.Errorf("%w: %s", base.ErrBufferUnavailable, werr.Error())
	}
	queue.entries = append(queue.entries, &queueEntry{
		id:         id,
		payload:    payload,
		enqueuedAt: time.Now(),
	})
	queue.totalBytes += size
	queue.mu.Unlock()

	queue.metrics.inputTotal.Inc()
	queue.metrics.queuedEntries.Inc()
	queue.metrics.queuedBytes.Add(size)
	queue.signal(queue.hasInput)
	return id, nil
}

func (queue *streamQueue) lease(ctx context.Context, maxCount int, visibility time.Duration) ([]base.BufferEntry, error) {
	if maxCount <= 0 {
		maxCount = defs.ShipperBatchSize
	}
	pollDeadline := time.Now().Add(defs.BufferPollInterval)

	for {
		now := time.Now()
		token := uuid.NewString()
		batch := make([]base.BufferEntry, 0, maxCount)

		queue.mu.Lock()
		for _, entry := range queue.entries {
			if len(batch) >= maxCount {
				break
			}
			if entry.visibleAfter.After(now) {
				continue // under an active lease
			}
			if entry.leaseToken != "" {
				queue.metrics.redeliveredTotal.Inc()
			}
			entry.attempts++
			entry.visibleAfter = now.Add(visibility)
			entry.leaseToken = token
			batch = append(batch, base.BufferEntry{
				ID:               entry.id,
				Payload:          entry.payload,
				EnqueuedAt:       entry.enqueuedAt,
				DeliveryAttempts: entry.attempts,
				VisibleAfter:     entry.visibleAfter,
				LeaseToken:       token,
			})
		}
		queue.mu.Unlock()

		if len(batch) > 0 {
			queue.persistAttempts(batch)
			return batch, nil
		}

		remain := time.Until(pollDeadline)
		if remain <= 0 {
			return nil, nil
		}
		select {
		case <-queue.hasInput:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remain):
			return nil, nil
		}
	}
}

func (queue *streamQueue) ack(acks []base.EntryAck) (int, error) {
	now := time.Now()
	acked := 0
	stale := 0
	var freedBytes int64

	queue.mu.Lock()
	for _, entryAck := range acks {
		index := queue.findLocked(entryAck.ID)
		if index == -1 || queue.entries[index].leaseToken != entryAck.Token || !queue.entries[index].visibleAfter.After(now) {
			stale++
			continue
		}
		freedBytes += int64(len(queue.entries[index].payload))
		queue.removeLocked(index)
		acked++
	}
	queue.mu.Unlock()

	if acked > 0 {
		queue.metrics.consumedTotal.Add(uint64(acked))
		queue.metrics.queuedEntries.Sub(int64(acked))
		queue.metrics.queuedBytes.Sub(freedBytes)
		queue.signal(queue.hasSpace)
	}
	if stale > 0 {
		queue.metrics.staleAcksTotal.Add(uint64(stale))
		return acked, fmt.Errorf("%w: %d of %d acks rejected on stream '%s'", base.ErrStaleLease, stale, len(acks), queue.streamID)
	}
	return acked, nil
}

func (queue *streamQueue) extendLease(acks []base.EntryAck, visibility time.Duration) (int, error) {
	now := time.Now()
	extended := 0
	stale := 0

	queue.mu.Lock()
	for _, entryAck := range acks {
		index := queue.findLocked(entryAck.ID)
		if index == -1 || queue.entries[index].leaseToken != entryAck.Token || !queue.entries[index].visibleAfter.After(now) {
			stale++
			continue
		}
		queue.entries[index].visibleAfter = now.Add(visibility)
		extended++
	}
	queue.mu.Unlock()

	if stale > 0 {
		queue.metrics.staleAcksTotal.Add(uint64(stale))
		return extended, fmt.Errorf("%w: %d of %d extensions rejected on stream '%s'", base.ErrStaleLease, stale, len(acks), queue.streamID)
	}
	return extended, nil
}

func (queue *streamQueue) stats() base.StreamStats {
	now := time.Now()
	queue.mu.Lock()
	defer queue.mu.Unlock()

	leased := 0
	for _, entry := range queue.entries {
		if entry.visibleAfter.After(now) {
			leased++
		}
	}
	return base.StreamStats{
		Entries:      len(queue.entries),
		Bytes:        queue.totalBytes,
		Leased:       leased,
		DroppedTotal: queue.droppedCount,
	}
}

func (queue *streamQueue) close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.maybeDir != nil {
		if cerr := queue.maybeDir.Close(); cerr != nil {
			queue.logger.Warnf("error closing queue dir: %s", cerr.Error())
		}
		queue.maybeDir = nil
	}
}

func (queue *streamQueue) overCapacityLocked(incomingBytes int64) bool {
	return len(queue.entries)+1 > queue.policy.maxEntries ||
		queue.totalBytes+incomingBytes > queue.policy.maxBytes
}

// evictOldestLocked drops the oldest entry not under an active lease and bumps
// the dropped counter by exactly one. Returns false when nothing is evictable.
func (queue *streamQueue) evictOldestLocked() bool {
	now := time.Now()
	for index, entry := range queue.entries {
		if entry.visibleAfter.After(now) {
			continue // in flight, the shipper may still ack it
		}
		size := int64(len(entry.payload))
		queue.removeLocked(index)
		queue.droppedCount++
		queue.metrics.droppedTotal.Inc()
		queue.metrics.queuedEntries.Dec()
		queue.metrics.queuedBytes.Sub(size)
		queue.logger.Warnf("evicted oldest entry id=%s len=%d", entry.id, size)
		return true
	}
	return false
}

func (queue *streamQueue) findLocked(id base.EntryID) int {
	return slices.IndexFunc(queue.entries, func(entry *queueEntry) bool { return entry.id == id })
}

func (queue *streamQueue) removeLocked(index int) {
	entry := queue.entries[index]
	queue.totalBytes -= int64(len(entry.payload))
	queue.entries = append(queue.entries[:index], queue.entries[index+1:]...)
	if queue.maybeDir != nil {
		if uerr := util.UnlinkFileAt(queue.maybeDir, string(entry.id)); uerr != nil {
			queue.metrics.ioErrorsTotal.Inc()
			queue.logger.Errorf("error unlinking entry file %s: %s", entry.id, uerr.Error())
		}
	}
}

func (queue *streamQueue) signal(channel chan struct{}) {
	select {
	case channel <- struct{}{}:
	default:
	}
}

// persistAttempts stores delivery attempts on the entry files, best effort:
// losing the counter across restarts only delays quarantine, never loses data
func (queue *streamQueue) persistAttempts(batch []base.BufferEntry) {
	for _, entry := range batch {
		path := filepath.Join(queue.dirPath, string(entry.ID))
		if xerr := xattr.Set(path, xattrAttempts, []byte(strconv.Itoa(entry.DeliveryAttempts))); xerr != nil {
			queue.logger.Debugf("error writing attempts xattr on %s: %s", entry.ID, xerr)
			queue.metrics.ioErrorsTotal.Inc()
			continue
		}
	}
}

func (queue *streamQueue) readAttempts(filename string) int {
	value, xerr := xattr.Get(filepath.Join(queue.dirPath, filename), xattrAttempts)
	if xerr != nil {
		return 0
	}
	attempts, perr := strconv.Atoi(string(value))
	if perr != nil || attempts < 0 {
		return 0
	}
	return attempts
}

func makeEntryID(seq uint64) base.EntryID {
	return base.EntryID(fmt.Sprintf("%016x%s", seq, defs.EntryFilenameSuffix))
}

func parseEntrySeq(filename string) (uint64, bool) {
	if !strings.HasSuffix(filename, defs.EntryFilenameSuffix) {
		return 0, false
	}
	seq, perr := strconv.ParseUint(strings.TrimSuffix(filename, defs.EntryFilenameSuffix), 16, 64)
	if perr != nil {
		return 0, false
	}
	return seq, true
}
