package filebuffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(root string) *Config {
	return &Config{
		RootPath:         root,
		MaxStreamSize:    1 * datasize.MB,
		MaxStreamEntries: 1000,
	}
}

var testFactorySeq uint32

func openTestBuffer(t *testing.T, cfg *Config) base.EventBuffer {
	require.NoError(t, cfg.VerifyConfig())
	// unique prefix per open: metrics cannot be registered twice
	prefix := fmt.Sprintf("test_%s_%d_", t.Name(), atomic.AddUint32(&testFactorySeq, 1))
	mfactory := base.NewMetricFactory(prefix, nil, nil)
	buf, err := cfg.NewBuffer(logger.Root(), mfactory)
	require.NoError(t, err)
	return buf
}

func TestEnqueueLeaseAckOrder(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	buf := openTestBuffer(t, testConfig(t.TempDir()))
	defer buf.Close()
	ctx := context.Background()

	var ids []base.EntryID
	for i := 0; i < 10; i++ {
		id, err := buf.Enqueue(ctx, "s1", []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, string(ids[i-1]), string(ids[i]), "entry IDs are FIFO-ordered")
	}

	batch, err := buf.Lease(ctx, "s1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 10)
	for i, entry := range batch {
		assert.Equal(t, ids[i], entry.ID)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(entry.Payload))
		assert.Equal(t, 1, entry.DeliveryAttempts)
	}

	acks := make([]base.EntryAck, 0, len(batch))
	for _, entry := range batch {
		acks = append(acks, entry.AckOf())
	}
	acked, err := buf.Ack(ctx, "s1", acks)
	require.NoError(t, err)
	assert.Equal(t, 10, acked)

	// nothing left to lease
	batch, err = buf.Lease(ctx, "s1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestLeaseHidesEntriesFromCompetingConsumers(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	buf := openTestBuffer(t, testConfig(t.TempDir()))
	defer buf.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := buf.Enqueue(ctx, "s1", []byte("x"))
		require.NoError(t, err)
	}

	first, err := buf.Lease(ctx, "s1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := buf.Lease(ctx, "s1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 2, "leased entries are invisible to other consumers")
	assert.NotEqual(t, first[0].LeaseToken, second[0].LeaseToken)
}

func TestRedeliveryAfterLeaseExpiry(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	buf := openTestBuffer(t, testConfig(t.TempDir()))
	defer buf.Close()
	ctx := context.Background()

	// scenario: 100 entries, a shipper leases 20 and dies without acking
	for i := 1; i <= 100; i++ {
		_, err := buf.Enqueue(ctx, "s1", []byte(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}
	crashed, err := buf.Lease(ctx, "s1", 20, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, crashed, 20)

	time.Sleep(80 * time.Millisecond)

	// a new shipper instance re-leases 1..20 first, in order
	recovered, err := buf.Lease(ctx, "s1", 20, time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 20)
	for i, entry := range recovered {
		assert.Equal(t, crashed[i].ID, entry.ID)
		assert.Equal(t, 2, entry.DeliveryAttempts)
	}

	// stale acks with the dead shipper's token must be rejected
	staleAcks := make([]base.EntryAck, 0, 20)
	for _, entry := range crashed {
		staleAcks = append(staleAcks, entry.AckOf())
	}
	acked, err := buf.Ack(ctx, "s1", staleAcks)
	assert.ErrorIs(t, err, base.ErrStaleLease)
	assert.Zero(t, acked)

	// drain everything with valid leases
	total := 0
	for _, entry := range recovered {
		_, aerr := buf.Ack(ctx, "s1", []base.EntryAck{entry.AckOf()})
		require.NoError(t, aerr)
		total++
	}
	for {
		batch, lerr := buf.Lease(ctx, "s1", 30, time.Minute)
		require.NoError(t, lerr)
		if len(batch) == 0 {
			break
		}
		acks := make([]base.EntryAck, 0, len(batch))
		for _, entry := range batch {
			acks = append(acks, entry.AckOf())
		}
		n, aerr := buf.Ack(ctx, "s1", acks)
		require.NoError(t, aerr)
		total += n
	}
	assert.Equal(t, 100, total, "all 100 entries ultimately acked")
}

func TestExtendLease(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	buf := openTestBuffer(t, testConfig(t.TempDir()))
	defer buf.Close()
	ctx := context.Background()

	_, err := buf.Enqueue(ctx, "s1", []byte("x"))
	require.NoError(t, err)

	batch, err := buf.Lease(ctx, "s1", 1, 60*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	extended, err := buf.ExtendLease(ctx, "s1", []base.EntryAck{batch[0].AckOf()}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, extended)

	time.Sleep(80 * time.Millisecond)

	// original lease duration has passed but the extension still holds
	second, err := buf.Lease(ctx, "s1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	acked, err := buf.Ack(ctx, "s1", []base.EntryAck{batch[0].AckOf()})
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
}

func TestBackpressurePolicy(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	cfg := testConfig(t.TempDir())
	cfg.MaxStreamEntries = 3
	buf := openTestBuffer(t, cfg)
	defer buf.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := buf.Enqueue(ctx, "s1", []byte("x"))
		require.NoError(t, err)
	}

	boundedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := buf.Enqueue(boundedCtx, "s1", []byte("x"))
	assert.ErrorIs(t, err, base.ErrBufferFull)
	assert.Less(t, time.Since(start), time.Second, "enqueue wait is bounded")

	// acking one entry frees space for a blocked producer
	batch, err := buf.Lease(ctx, "s1", 1, time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = buf.Ack(ctx, "s1", []base.EntryAck{batch[0].AckOf()})
	}()
	waitCtx, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	_, err = buf.Enqueue(waitCtx, "s1", []byte("x"))
	assert.NoError(t, err)
}

func TestEvictOldestPolicy(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	cfg := testConfig(t.TempDir())
	cfg.MaxStreamEntries = 3
	cfg.EvictionPolicy = PolicyEvictOldest
	buf := openTestBuffer(t, cfg)
	defer buf.Close()
	ctx := context.Background()

	var ids []base.EntryID
	for i := 0; i < 3; i++ {
		id, err := buf.Enqueue(ctx, "s1", []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// 4th entry evicts the oldest and counts exactly one drop
	_, err := buf.Enqueue(ctx, "s1", []byte("p3"))
	require.NoError(t, err)

	stats, err := buf.(*bufferer).StreamStats("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.EqualValues(t, 1, stats.DroppedTotal)

	batch, err := buf.Lease(ctx, "s1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, ids[1], batch[0].ID, "oldest entry was the one evicted")
}

func TestRecoveryAcrossReopen(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	root := t.TempDir()
	ctx := context.Background()

	cfg := testConfig(root)
	buf := openTestBuffer(t, cfg)
	for i := 0; i < 5; i++ {
		_, err := buf.Enqueue(ctx, "orders-prod", []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}
	// lease twice to bump attempts, then crash without acking
	batch, err := buf.Lease(ctx, "orders-prod", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	time.Sleep(20 * time.Millisecond)
	batch, err = buf.Lease(ctx, "orders-prod", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	buf.Close()

	reopened := openTestBuffer(t, testConfig(root))
	defer reopened.Close()
	assert.Equal(t, []string{"orders-prod"}, reopened.ListStreams())

	recovered, err := reopened.Lease(ctx, "orders-prod", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 5)
	for i, entry := range recovered {
		assert.Equal(t, fmt.Sprintf("p%d", i), string(entry.Payload))
		assert.Equal(t, 3, entry.DeliveryAttempts, "attempts restored from xattr plus the new lease")
	}
}

func TestAttemptPersistenceSkipsMissingEntryFiles(t *testing.T) {
	defs.BufferPollInterval = 20 * time.Millisecond
	root := t.TempDir()
	ctx := context.Background()

	cfg := testConfig(root)
	buf := openTestBuffer(t, cfg)
	ids := make([]base.EntryID, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := buf.Enqueue(ctx, "orders-prod", []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	batch, err := buf.Lease(ctx, "orders-prod", 3, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// losing the oldest entry file must not stop attempt tracking for the
	// rest of the batch
	queueDirs, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, queueDirs, 1)
	require.NoError(t, os.Remove(filepath.Join(root, queueDirs[0].Name(), string(ids[0]))))

	time.Sleep(20 * time.Millisecond)
	batch, err = buf.Lease(ctx, "orders-prod", 3, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	buf.Close()

	reopened := openTestBuffer(t, testConfig(root))
	defer reopened.Close()

	recovered, err := reopened.Lease(ctx, "orders-prod", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	for i, entry := range recovered {
		assert.Equal(t, fmt.Sprintf("p%d", i+1), string(entry.Payload))
		assert.Equal(t, 3, entry.DeliveryAttempts, "attempts kept up to date past the lost file")
	}
}

func TestAckUnknownStream(t *testing.T) {
	buf := openTestBuffer(t, testConfig(t.TempDir()))
	defer buf.Close()

	_, err := buf.Ack(context.Background(), "nope", []base.EntryAck{{ID: "x", Token: "y"}})
	assert.ErrorIs(t, err, base.ErrUnknownStream)
}
