package shipper

import (
	"context"
	"strings"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	promexporter "github.com/relex/gotils/promexporter/promext"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bcodec"
	"github.com/relex/slog-relay/defs"
)

type workerMetrics struct {
	leasedEntries      promexporter.RWCounter
	shippedRecords     promexporter.RWCounter
	ackedEntries       promexporter.RWCounter
	failedBatches      promexporter.RWCounter
	partialFailures    promexporter.RWCounter
	quarantinedEntries promexporter.RWCounter
	batchSplits        promexporter.RWCounter
	leaseExtensions    promexporter.RWCounter
}

// streamWorker drains one stream: lease a batch, forward it to the sink, ack
// confirmed entries and let failed ones reappear after lease expiry.
//
// Stop is two-phase: stopRequest ends the loop after the in-flight batch
// (graceful), abort cancels the lease wait and the sink call outright (forced);
// abandoned leases simply expire.
type streamWorker struct {
	logger      logger.Logger
	streamID    string
	buffer      base.EventBuffer
	sink        base.SinkClient
	config      *Config
	stopRequest *channels.SignalAwaitable
	stopped     *channels.SignalAwaitable
	abortCtx    context.Context
	abort       context.CancelFunc
	metrics     workerMetrics

	// batch-splitting state, only touched by the run goroutine
	currentBatchSize    int
	consecutiveFailures int
	lastFailedLeadID    base.EntryID
}

func newStreamWorker(parentLogger logger.Logger, streamID string, config *Config, buffer base.EventBuffer,
	sink base.SinkClient, metricFactory *base.MetricFactory) *streamWorker {

	abortCtx, abort := context.WithCancel(context.Background())
	wfactory := metricFactory.NewSubFactory("shipper_", []string{defs.LabelStream}, []string{streamID})
	return &streamWorker{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "StreamWorker",
			defs.LabelStream:    streamID,
		}),
		streamID:    streamID,
		buffer:      buffer,
		sink:        sink,
		config:      config,
		stopRequest: channels.NewSignalAwaitable(),
		stopped:     channels.NewSignalAwaitable(),
		abortCtx:    abortCtx,
		abort:       abort,
		metrics: workerMetrics{
			leasedEntries:      wfactory.AddOrGetCounter("leased_entries_total", "Numbers of leased buffer entries", nil, nil),
			shippedRecords:     wfactory.AddOrGetCounter("shipped_records_total", "Numbers of records confirmed by the sink", nil, nil),
			ackedEntries:       wfactory.AddOrGetCounter("acked_entries_total", "Numbers of acked buffer entries", nil, nil),
			failedBatches:      wfactory.AddOrGetCounter("failed_batches_total", "Numbers of batch submissions that failed entirely", nil, nil),
			partialFailures:    wfactory.AddOrGetCounter("partial_failures_total", "Numbers of batch submissions with some records rejected", nil, nil),
			quarantinedEntries: wfactory.AddOrGetCounter("quarantined_entries_total", "Numbers of entries moved to the dead-letter stream", nil, nil),
			batchSplits:        wfactory.AddOrGetCounter("batch_splits_total", "Numbers of batch size reductions to isolate poison records", nil, nil),
			leaseExtensions:    wfactory.AddOrGetCounter("lease_extensions_total", "Numbers of lease extensions before slow submissions", nil, nil),
		},
		currentBatchSize: config.batchSize(),
	}
}

// Launch starts the worker goroutine
func (worker *streamWorker) Launch() {
	go worker.run()
}

// Stopped returns an Awaitable signaled when the worker has fully stopped
func (worker *streamWorker) Stopped() channels.Awaitable {
	return worker.stopped
}

func (worker *streamWorker) run() {
	defer worker.stopped.Signal()
	worker.logger.Infof("started batchSize=%d", worker.currentBatchSize)

	for !worker.stopRequest.Peek() {
		batch, lerr := worker.buffer.Lease(worker.abortCtx, worker.streamID, worker.currentBatchSize, worker.config.visibilityTimeout())
		if lerr != nil {
			if worker.abortCtx.Err() != nil {
				worker.logger.Infof("stop requested (lease aborted)")
				break
			}
			worker.logger.Errorf("failed to lease: %s", lerr.Error())
			worker.stopRequest.Wait(worker.config.retryInterval())
			continue
		}
		if len(batch) == 0 {
			continue
		}
		worker.metrics.leasedEntries.Add(uint64(len(batch)))
		worker.processBatch(batch)
	}

	worker.logger.Info("stopped")
}

func (worker *streamWorker) processBatch(batch []base.BufferEntry) {
	shippable, records := worker.quarantineExhausted(batch)
	if len(shippable) == 0 {
		return
	}

	worker.extendLeaseForSubmission(shippable)

	ctx, cancel := context.WithTimeout(worker.abortCtx, submissionTimeout(shippable))
	result, serr := worker.sink.SubmitBatch(ctx, records)
	cancel()
	if serr != nil {
		worker.metrics.failedBatches.Inc()
		worker.onBatchFailure(shippable[0].ID)
		if worker.abortCtx.Err() == nil {
			worker.logger.Warnf("failed to submit batch of %d: %s", len(records), serr.Error())
			worker.releaseForRetry(shippable)
			worker.stopRequest.Wait(worker.config.retryInterval())
		}
		return
	}

	if result.Failed() {
		worker.metrics.partialFailures.Inc()
		worker.logger.Warnf("sink rejected %d of %d records, leaving them for retry", len(result.FailedIndexes), len(records))
		worker.releaseForRetry(pickEntries(shippable, result.FailedIndexes))
	}
	acks := collectSucceededAcks(shippable, result.FailedIndexes)
	if len(acks) == 0 {
		worker.onBatchFailure(shippable[0].ID)
		worker.stopRequest.Wait(worker.config.retryInterval())
		return
	}

	acked, aerr := worker.buffer.Ack(worker.abortCtx, worker.streamID, acks)
	if aerr != nil {
		worker.logger.Warnf("failed to ack %d entries: %s", len(acks), aerr.Error())
	}
	worker.metrics.ackedEntries.Add(uint64(acked))
	worker.metrics.shippedRecords.Add(uint64(len(acks)))
	worker.onBatchSuccess()
}

// quarantineExhausted moves entries over the attempts budget to the dead-letter
// stream and decodes the rest for submission. Undecodable entries are poison by
// definition and go straight to quarantine.
func (worker *streamWorker) quarantineExhausted(batch []base.BufferEntry) ([]base.BufferEntry, []*base.LogRecord) {
	shippable := make([]base.BufferEntry, 0, len(batch))
	records := make([]*base.LogRecord, 0, len(batch))

	for _, entry := range batch {
		if entry.DeliveryAttempts > worker.config.maxDeliveryAttempts() {
			worker.quarantine(entry, "attempts exhausted")
			continue
		}
		record, derr := bcodec.DecodeRecord(entry.Payload)
		if derr != nil {
			worker.quarantine(entry, "undecodable payload")
			continue
		}
		shippable = append(shippable, entry)
		records = append(records, record)
	}
	return shippable, records
}

// quarantine copies one entry to the dead-letter stream and acks it out of the
// main stream. On any failure the entry is left alone to be re-leased later.
func (worker *streamWorker) quarantine(entry base.BufferEntry, reason string) {
	dlqStream := worker.streamID + defs.DeadLetterSuffix
	if _, eerr := worker.buffer.Enqueue(worker.abortCtx, dlqStream, entry.Payload); eerr != nil {
		worker.logger.Errorf("failed to quarantine entry %s: %s", entry.ID, eerr.Error())
		return
	}
	if _, aerr := worker.buffer.Ack(worker.abortCtx, worker.streamID, []base.EntryAck{entry.AckOf()}); aerr != nil {
		worker.logger.Errorf("failed to ack quarantined entry %s: %s", entry.ID, aerr.Error())
		return
	}
	worker.metrics.quarantinedEntries.Inc()
	worker.logger.Warnf("quarantined entry %s to %s: %s, attempts=%d", entry.ID, dlqStream, reason, entry.DeliveryAttempts)
}

// extendLeaseForSubmission makes sure the lease covers the worst-case sink
// round trip, so a slow but successful submission is not double-delivered
func (worker *streamWorker) extendLeaseForSubmission(batch []base.BufferEntry) {
	needed := time.Now().Add(submissionTimeout(batch) + worker.config.retryInterval())
	if !batch[0].VisibleAfter.Before(needed) {
		return
	}
	acks := make([]base.EntryAck, 0, len(batch))
	for _, entry := range batch {
		acks = append(acks, entry.AckOf())
	}
	extension := submissionTimeout(batch) + worker.config.retryInterval()
	if _, xerr := worker.buffer.ExtendLease(worker.abortCtx, worker.streamID, acks, extension); xerr != nil {
		worker.logger.Warnf("failed to extend lease of %d entries: %s", len(acks), xerr.Error())
		return
	}
	worker.metrics.leaseExtensions.Inc()
	for i := range batch {
		batch[i].VisibleAfter = time.Now().Add(extension)
	}
}

// releaseForRetry shortens the lease of failed entries to the retry interval
// so redelivery does not have to wait out the full visibility timeout
func (worker *streamWorker) releaseForRetry(entries []base.BufferEntry) {
	acks := make([]base.EntryAck, 0, len(entries))
	for _, entry := range entries {
		acks = append(acks, entry.AckOf())
	}
	if _, xerr := worker.buffer.ExtendLease(worker.abortCtx, worker.streamID, acks, worker.config.retryInterval()); xerr != nil {
		worker.logger.Warnf("failed to release %d entries for retry: %s", len(acks), xerr.Error())
	}
}

func pickEntries(batch []base.BufferEntry, indexes []int) []base.BufferEntry {
	picked := make([]base.BufferEntry, 0, len(indexes))
	for _, index := range indexes {
		if index >= 0 && index < len(batch) {
			picked = append(picked, batch[index])
		}
	}
	return picked
}

// onBatchFailure tracks consecutive failures on the same batch, identified by
// its lead entry, and halves the batch size to isolate a poison record
func (worker *streamWorker) onBatchFailure(leadID base.EntryID) {
	if leadID == worker.lastFailedLeadID {
		worker.consecutiveFailures++
	} else {
		worker.lastFailedLeadID = leadID
		worker.consecutiveFailures = 1
	}
	if worker.consecutiveFailures >= worker.config.splitAfterFailures() && worker.currentBatchSize > 1 {
		worker.currentBatchSize = worker.currentBatchSize / 2
		worker.metrics.batchSplits.Inc()
		worker.logger.Warnf("splitting batch after %d consecutive failures, new size=%d",
			worker.consecutiveFailures, worker.currentBatchSize)
		worker.consecutiveFailures = 0
	}
}

func (worker *streamWorker) onBatchSuccess() {
	if worker.currentBatchSize != worker.config.batchSize() {
		worker.logger.Infof("restoring batch size to %d", worker.config.batchSize())
	}
	worker.currentBatchSize = worker.config.batchSize()
	worker.consecutiveFailures = 0
	worker.lastFailedLeadID = ""
}

// collectSucceededAcks returns acks for all entries except the failed indexes
func collectSucceededAcks(batch []base.BufferEntry, failedIndexes []int) []base.EntryAck {
	failed := make(map[int]struct{}, len(failedIndexes))
	for _, index := range failedIndexes {
		failed[index] = struct{}{}
	}
	acks := make([]base.EntryAck, 0, len(batch)-len(failed))
	for i, entry := range batch {
		if _, ok := failed[i]; ok {
			continue
		}
		acks = append(acks, entry.AckOf())
	}
	return acks
}

// submissionTimeout scales the sink deadline with the batch payload size so a
// slow link gets proportionally more time
func submissionTimeout(batch []base.BufferEntry) time.Duration {
	totalBytes := 0
	for _, entry := range batch {
		totalBytes += len(entry.Payload)
	}
	return defs.SinkBatchSendTimeoutBase + time.Duration(totalBytes/defs.SinkBatchSendMinimumSpeed)*time.Second
}

func isDeadLetterStream(streamID string) bool {
	return strings.HasSuffix(streamID, defs.DeadLetterSuffix)
}
