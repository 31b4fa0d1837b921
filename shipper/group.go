// Package shipper drains buffered streams and forwards them to the indexing
// sink with at-least-once semantics: batches are leased, submitted, and only
// acked out of the buffer once the sink confirms receipt.
package shipper

import (
	"sync"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
)

// SinkClientFactory opens one sink client per stream worker
type SinkClientFactory func(streamID string) (base.SinkClient, error)

// Group runs one streamWorker per assigned stream and watches the buffer for
// newly appeared streams matching the configured patterns
type Group struct {
	logger      logger.Logger
	config      *Config
	buffer      base.EventBuffer
	newSink     SinkClientFactory
	factory     *base.MetricFactory
	mu          sync.Mutex // guards workers and sinks between rescan and Stop
	workers     map[string]*streamWorker
	sinks       map[string]base.SinkClient
	stopRequest *channels.SignalAwaitable
	stopped     *channels.SignalAwaitable
}

// NewGroup creates a shipper group. Call Launch to start it.
func NewGroup(parentLogger logger.Logger, config *Config, buffer base.EventBuffer, newSink SinkClientFactory,
	metricFactory *base.MetricFactory) *Group {

	return &Group{
		logger:      parentLogger.WithField(defs.LabelComponent, "ShipperGroup"),
		config:      config,
		buffer:      buffer,
		newSink:     newSink,
		factory:     metricFactory,
		workers:     make(map[string]*streamWorker, 100),
		sinks:       make(map[string]base.SinkClient, 100),
		stopRequest: channels.NewSignalAwaitable(),
		stopped:     channels.NewSignalAwaitable(),
	}
}

// Launch starts workers for all current matching streams and the rescan loop
func (group *Group) Launch() {
	group.launchMissingWorkers()
	go group.runRescan()
}

// Stopped returns an Awaitable signaled when all workers have stopped
func (group *Group) Stopped() channels.Awaitable {
	return group.stopped
}

// Stop performs a graceful stop bounded by gracePeriod: workers finish their
// in-flight batches and stop leasing. Workers still running when the period
// ends are aborted; their leases expire on their own.
func (group *Group) Stop(gracePeriod time.Duration) {
	group.stopRequest.Signal()
	group.mu.Lock()
	defer group.mu.Unlock()

	deadline := time.Now().Add(gracePeriod)
	for streamID, worker := range group.workers {
		worker.stopRequest.Signal()
		remain := time.Until(deadline)
		if remain <= 0 || !worker.stopped.Wait(remain) {
			group.logger.Warnf("forcing stop of worker for stream '%s'", streamID)
			worker.abort()
			worker.stopped.WaitForever()
		}
	}
	for streamID, sink := range group.sinks {
		if cerr := sink.Close(); cerr != nil {
			group.logger.Warnf("error closing sink for stream '%s': %s", streamID, cerr.Error())
		}
	}
	group.stopped.Signal()
	group.logger.Info("stopped")
}

func (group *Group) runRescan() {
	for {
		if group.stopRequest.Wait(group.config.rescanInterval()) {
			return
		}
		group.launchMissingWorkers()
	}
}

// launchMissingWorkers starts a worker for every matching stream that has none
// yet. Workers are never stopped on rescan: a stream that goes quiet simply
// leaves its worker polling.
func (group *Group) launchMissingWorkers() {
	group.mu.Lock()
	defer group.mu.Unlock()
	for _, streamID := range group.buffer.ListStreams() {
		if !group.config.matches(streamID) {
			continue
		}
		if _, exists := group.workers[streamID]; exists {
			continue
		}
		sink, serr := group.newSink(streamID)
		if serr != nil {
			group.logger.Errorf("failed to open sink for stream '%s': %s", streamID, serr.Error())
			continue
		}
		worker := newStreamWorker(group.logger, streamID, group.config, group.buffer, sink, group.factory)
		group.workers[streamID] = worker
		group.sinks[streamID] = sink
		worker.Launch()
		group.logger.Infof("launched worker for stream '%s'", streamID)
	}
}
