package shipper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bcodec"
	"github.com/relex/slog-relay/base/btest"
	"github.com/relex/slog-relay/buffer/filebuffer"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBuffer(t *testing.T) base.EventBuffer {
	cfg := &filebuffer.Config{
		RootPath:      t.TempDir(),
		MaxStreamSize: 16 * datasize.MB,
	}
	require.NoError(t, cfg.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_buf_", t.Name()), nil, nil)
	buf, err := cfg.NewBuffer(logger.Root(), mfactory)
	require.NoError(t, err)
	return buf
}

func enqueueRecords(t *testing.T, buffer base.EventBuffer, streamID string, first, last uint64) {
	for seq := first; seq <= last; seq++ {
		payload, serr := bcodec.EncodeRecord(&base.LogRecord{
			Timestamp: time.Now(),
			StreamID:  streamID,
			Severity:  base.SeverityInfo,
			Sequence:  seq,
			Fields:    map[string]any{"seq": seq},
		})
		require.NoError(t, serr)
		_, eerr := buffer.Enqueue(context.Background(), streamID, payload)
		require.NoError(t, eerr)
	}
}

func launchTestGroup(t *testing.T, config *Config, buffer base.EventBuffer, sink base.SinkClient) (*Group, *base.MetricFactory) {
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	group := NewGroup(logger.Root(), config, buffer, func(string) (base.SinkClient, error) {
		return sink, nil
	}, mfactory)
	group.Launch()
	return group, mfactory
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGroupShipsAllRecordsInOrder(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()
	enqueueRecords(t, buffer, "orders-prod", 1, 50)
	enqueueRecords(t, buffer, "payments-prod", 1, 10)

	sink := btest.NewFakeSink()
	group, mfactory := launchTestGroup(t, &Config{
		Streams:   []string{"orders-*"},
		BatchSize: 20,
	}, buffer, sink)

	waitUntil(t, defs.TestReadTimeout, "all orders shipped", func() bool {
		return sink.IndexedCount() == 50
	})
	group.Stop(time.Second)

	shipperFactory := mfactory.NewSubFactory("shipper_", []string{defs.LabelStream}, nil)
	assert.Equal(t, 50.0, util.SumMetricValues(shipperFactory.AddOrGetCounterVec("shipped_records_total", "", nil, nil)))
	assert.Equal(t, 50.0, util.SumMetricValues(shipperFactory.AddOrGetCounterVec("acked_entries_total", "", nil, nil)))

	order := sink.IndexedOrder()
	for seq := uint64(1); seq <= 50; seq++ {
		assert.True(t, sink.Indexed("orders-prod", seq))
		assert.Equal(t, fmt.Sprintf("orders-prod/%d", seq), order[seq-1], "delivered in enqueue order")
	}
	assert.False(t, sink.Indexed("payments-prod", 1), "unmatched stream is left alone")
	assert.Zero(t, sink.DuplicateCount())

	batch, err := buffer.Lease(context.Background(), "orders-prod", 100, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch, "every shipped entry was acked out of the buffer")
}

func TestGroupPicksUpNewStreamsOnRescan(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()

	sink := btest.NewFakeSink()
	group, _ := launchTestGroup(t, &Config{
		Streams: []string{"orders-*"},
	}, buffer, sink)
	defer group.Stop(time.Second)

	// the stream only appears after the group is running
	enqueueRecords(t, buffer, "orders-eu", 1, 5)
	waitUntil(t, defs.TestReadTimeout, "new stream shipped", func() bool {
		return sink.IndexedCount() == 5
	})
}

func TestTransientSinkFailuresAreRetried(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()
	enqueueRecords(t, buffer, "orders-prod", 1, 30)

	sink := btest.NewFakeSink()
	sink.FailNextBatches(2)
	group, _ := launchTestGroup(t, &Config{
		Streams:           []string{"orders-*"},
		VisibilityTimeout: 300 * time.Millisecond,
		RetryInterval:     50 * time.Millisecond,
	}, buffer, sink)

	waitUntil(t, defs.TestReadTimeout, "records shipped after transient failures", func() bool {
		return sink.IndexedCount() == 30
	})
	group.Stop(time.Second)
	assert.GreaterOrEqual(t, sink.Submissions(), 3)
}

func TestPartialBatchFailureRetriesOnlyFailedRecords(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()
	enqueueRecords(t, buffer, "orders-prod", 1, 20)

	sink := btest.NewFakeSink()
	sink.FailRecord("orders-prod", 5, 1)
	sink.FailRecord("orders-prod", 12, 1)
	group, _ := launchTestGroup(t, &Config{
		Streams:           []string{"orders-*"},
		BatchSize:         20,
		VisibilityTimeout: 300 * time.Millisecond,
		RetryInterval:     50 * time.Millisecond,
	}, buffer, sink)

	waitUntil(t, defs.TestReadTimeout, "failed records redelivered", func() bool {
		return sink.IndexedCount() == 20
	})
	group.Stop(time.Second)

	// the 18 accepted records were acked on the first pass and never resubmitted
	assert.Zero(t, sink.DuplicateCount())
}

func TestPoisonRecordIsQuarantined(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()
	enqueueRecords(t, buffer, "orders-prod", 1, 10)

	sink := btest.NewFakeSink()
	sink.FailRecord("orders-prod", 7, 1000) // never accepted
	group, _ := launchTestGroup(t, &Config{
		Streams:             []string{"orders-*"},
		BatchSize:           10,
		VisibilityTimeout:   200 * time.Millisecond,
		MaxDeliveryAttempts: 2,
		RetryInterval:       50 * time.Millisecond,
	}, buffer, sink)

	waitUntil(t, defs.TestReadTimeout, "poison record quarantined", func() bool {
		for _, streamID := range buffer.ListStreams() {
			if streamID == "orders-prod"+defs.DeadLetterSuffix {
				return true
			}
		}
		return false
	})
	group.Stop(time.Second)

	assert.Equal(t, 9, sink.IndexedCount(), "the rest of the stream kept flowing")
	assert.False(t, sink.Indexed("orders-prod", 7))

	// the quarantined payload is intact in the dead-letter stream
	dlq, err := buffer.Lease(context.Background(), "orders-prod"+defs.DeadLetterSuffix, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	record, derr := bcodec.DecodeRecord(dlq[0].Payload)
	require.NoError(t, derr)
	assert.EqualValues(t, 7, record.Sequence)

	// and the main stream is fully drained
	main, err := buffer.Lease(context.Background(), "orders-prod", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, main)
}

// leaseRecorder captures ExtendLease calls for verification
type leaseRecorder struct {
	base.EventBuffer
	lastVisibility time.Duration
}

func (recorder *leaseRecorder) ExtendLease(_ context.Context, _ string, acks []base.EntryAck, visibility time.Duration) (int, error) {
	recorder.lastVisibility = visibility
	return len(acks), nil
}

func TestLeaseExtensionHonorsConfiguredRetryInterval(t *testing.T) {
	defs.EnableTestMode()
	config := &Config{
		Streams:       []string{"orders-*"},
		RetryInterval: time.Minute,
	}
	require.NoError(t, config.VerifyConfig())
	recorder := &leaseRecorder{}
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	worker := newStreamWorker(logger.Root(), "orders-prod", config, recorder, nil, mfactory)

	// the remaining lease outlives the sink round trip but not the retry
	// interval, so it must be extended before submission
	batch := []base.BufferEntry{{
		ID:           "0000000000000001.ent",
		VisibleAfter: time.Now().Add(5 * time.Second),
		LeaseToken:   "token-1",
	}}
	worker.extendLeaseForSubmission(batch)
	assert.GreaterOrEqual(t, recorder.lastVisibility, time.Minute)
	assert.True(t, batch[0].VisibleAfter.After(time.Now().Add(30*time.Second)))
}

func TestBatchSplittingAfterConsecutiveFailures(t *testing.T) {
	config := &Config{
		Streams:            []string{"orders-*"},
		BatchSize:          16,
		SplitAfterFailures: 2,
	}
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	worker := newStreamWorker(logger.Root(), "orders-prod", config, nil, nil, mfactory)

	worker.onBatchFailure("000a.ent")
	assert.Equal(t, 16, worker.currentBatchSize, "first failure keeps the batch size")
	worker.onBatchFailure("000a.ent")
	assert.Equal(t, 8, worker.currentBatchSize, "split after the configured failures")
	worker.onBatchFailure("000a.ent")
	worker.onBatchFailure("000a.ent")
	assert.Equal(t, 4, worker.currentBatchSize)

	// a different leading entry resets the failure streak
	worker.onBatchFailure("00ff.ent")
	worker.onBatchFailure("00aa.ent")
	assert.Equal(t, 4, worker.currentBatchSize)

	worker.onBatchSuccess()
	assert.Equal(t, 16, worker.currentBatchSize, "restored after a success")
}

// blockingSink stalls every submission until its context is canceled
type blockingSink struct {
	started chan struct{}
}

func (sink *blockingSink) SubmitBatch(ctx context.Context, _ []*base.LogRecord) (base.SinkBatchResult, error) {
	select {
	case sink.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return base.SinkBatchResult{}, fmt.Errorf("%w: %s", base.ErrSinkUnavailable, ctx.Err())
}

func (sink *blockingSink) Close() error { return nil }

func TestForcedStopAbandonsLeases(t *testing.T) {
	defs.EnableTestMode()
	buffer := openTestBuffer(t)
	defer buffer.Close()
	enqueueRecords(t, buffer, "orders-prod", 1, 5)

	sink := &blockingSink{started: make(chan struct{}, 1)}
	group, _ := launchTestGroup(t, &Config{
		Streams:           []string{"orders-*"},
		VisibilityTimeout: 300 * time.Millisecond,
	}, buffer, sink)

	<-sink.started
	stopDone := make(chan struct{})
	go func() {
		group.Stop(100 * time.Millisecond)
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(defs.TestReadTimeout):
		t.Fatal("forced stop did not complete")
	}

	// nothing was acked; entries come back after the abandoned lease expires
	seen := make(map[base.EntryID]struct{})
	waitUntil(t, defs.TestReadTimeout, "abandoned entries to reappear", func() bool {
		batch, err := buffer.Lease(context.Background(), "orders-prod", 10, 20*time.Millisecond)
		require.NoError(t, err)
		for _, entry := range batch {
			seen[entry.ID] = struct{}{}
		}
		return len(seen) == 5
	})
}
