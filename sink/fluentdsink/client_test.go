package fluentdsink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/fluentlib/server"
	"github.com/relex/fluentlib/server/receivers"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecords(streamID string, first, last uint64) []*base.LogRecord {
	records := make([]*base.LogRecord, 0, last-first+1)
	for seq := first; seq <= last; seq++ {
		records = append(records, &base.LogRecord{
			Timestamp: time.Now(),
			StreamID:  streamID,
			Severity:  base.SeverityInfo,
			Sequence:  seq,
			Fields:    map[string]any{"log": fmt.Sprintf("message %d", seq)},
		})
	}
	return records
}

func TestSubmitBatchDeliversAndAcks(t *testing.T) {
	defs.EnableTestMode()
	recv, msgChannel := receivers.NewMessageCollector(defs.TestReadTimeout)
	srv, srvAddr := server.LaunchServer(logger.WithField("test", t.Name()), server.Config{
		Address: "localhost:0",
	}, recv)
	defer srv.Shutdown()

	config := &Config{Upstream: UpstreamConfig{Address: srvAddr.String()}}
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	sink, cerr := config.NewClient(logger.Root(), mfactory, nil)
	require.NoError(t, cerr)
	defer sink.Close()

	result, serr := sink.SubmitBatch(context.Background(), makeRecords("orders-prod", 1, 5))
	require.NoError(t, serr)
	assert.False(t, result.Failed())

	message := <-msgChannel
	assert.Equal(t, "logs.orders-prod", message.Tag)
	require.Len(t, message.Entries, 5)
	assert.Equal(t, "message 1", message.Entries[0].Record["log"])
	assert.Equal(t, "orders-prod", message.Entries[0].Record["stream_id"])
	assert.Equal(t, "info", message.Entries[0].Record["severity"])
	assert.EqualValues(t, 1, message.Entries[0].Record["sequence"])
}

func TestSubmitBatchUncompressedModes(t *testing.T) {
	defs.EnableTestMode()
	for _, mode := range []string{"Forward", "PackedForward"} {
		t.Run(mode, func(t *testing.T) {
			recv, msgChannel := receivers.NewMessageCollector(defs.TestReadTimeout)
			srv, srvAddr := server.LaunchServer(logger.WithField("test", t.Name()), server.Config{
				Address: "localhost:0",
			}, recv)
			defer srv.Shutdown()

			config := &Config{
				Tag:         "audit",
				MessageMode: forwardprotocol.MessageMode(mode),
				Upstream:    UpstreamConfig{Address: srvAddr.String()},
			}
			require.NoError(t, config.VerifyConfig())
			mfactory := base.NewMetricFactory(fmt.Sprintf("test_uncompressed_%s_", mode), nil, nil)
			sink, cerr := config.NewClient(logger.Root(), mfactory, nil)
			require.NoError(t, cerr)
			defer sink.Close()

			_, serr := sink.SubmitBatch(context.Background(), makeRecords("orders-prod", 1, 3))
			require.NoError(t, serr)

			message := <-msgChannel
			assert.Equal(t, "audit", message.Tag)
			assert.Len(t, message.Entries, 3)
		})
	}
}

func TestSubmitBatchAuthFailure(t *testing.T) {
	defs.EnableTestMode()
	recv, _ := receivers.NewMessageCollector(defs.TestReadTimeout)
	srv, srvAddr := server.LaunchServer(logger.WithField("test", t.Name()), server.Config{
		Address: "localhost:0",
		Secret:  "real pass",
	}, recv)
	defer srv.Shutdown()

	config := &Config{Upstream: UpstreamConfig{Address: srvAddr.String(), Secret: "wrong pass"}}
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	sink, cerr := config.NewClient(logger.Root(), mfactory, nil)
	require.NoError(t, cerr)
	defer sink.Close()

	_, serr := sink.SubmitBatch(context.Background(), makeRecords("orders-prod", 1, 1))
	assert.ErrorIs(t, serr, base.ErrAuthFailure)
}

func TestSubmitBatchUnreachableUpstream(t *testing.T) {
	defs.EnableTestMode()
	config := &Config{Upstream: UpstreamConfig{Address: "localhost:1"}}
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	sink, cerr := config.NewClient(logger.Root(), mfactory, nil)
	require.NoError(t, cerr)
	defer sink.Close()

	_, serr := sink.SubmitBatch(context.Background(), makeRecords("orders-prod", 1, 1))
	assert.ErrorIs(t, serr, base.ErrSinkUnavailable)
}

func TestRepeatedClose(t *testing.T) {
	defs.EnableTestMode()
	config := &Config{Upstream: UpstreamConfig{Address: "localhost:1"}}
	require.NoError(t, config.VerifyConfig())
	mfactory := base.NewMetricFactory(fmt.Sprintf("test_%s_", t.Name()), nil, nil)
	sink, cerr := config.NewClient(logger.Root(), mfactory, nil)
	require.NoError(t, cerr)

	assert.NoError(t, sink.Close())
	assert.NotPanics(t, func() {
		assert.NoError(t, sink.Close())
	})
}
