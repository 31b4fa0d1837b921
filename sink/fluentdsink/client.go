// Package fluentdsink forwards record batches to a fluentd-compatible upstream
// over the forward protocol, one message per batch, confirming delivery by
// chunk ACK.
package fluentdsink

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/gotils/logger"
	promexporter "github.com/relex/gotils/promexporter/promext"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
	"github.com/vmihailenco/msgpack/v4"
)

type clientMetrics struct {
	forwardedBatches promexporter.RWCounter
	forwardedBytes   promexporter.RWCounter
	networkErrors    promexporter.RWCounter
	reconnections    promexporter.RWCounter
	pings            promexporter.RWCounter
}

// client is a SinkClient speaking the forward protocol. The connection is
// opened lazily and reopened after network errors; a background pinger keeps
// an idle connection alive.
type client struct {
	logger      logger.Logger
	config      *Config
	credentials base.CredentialProvider
	metrics     clientMetrics

	mu       sync.Mutex // guards conn, decoder, builders and lastSend
	conn     net.Conn
	decoder  *msgpack.Decoder
	builders map[string]*messageBuilder // by tag
	lastSend time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(parentLogger logger.Logger, config *Config, metricFactory *base.MetricFactory,
	credentials base.CredentialProvider) *client {

	cfactory := metricFactory.NewSubFactory("fluentdsink_", []string{defs.LabelServer}, []string{config.Upstream.Address})
	fclient := &client{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "FluentdForwardSink",
			defs.LabelServer:    config.Upstream.Address,
		}),
		config:      config,
		credentials: credentials,
		metrics: clientMetrics{
			forwardedBatches: cfactory.AddOrGetCounter("forwarded_batches_total", "Numbers of forwarded and acknowledged batches", nil, nil),
			forwardedBytes:   cfactory.AddOrGetCounter("forwarded_bytes_total", "Wire bytes of forwarded messages", nil, nil),
			networkErrors:    cfactory.AddOrGetCounter("network_errors_total", "Numbers of network or protocol errors", nil, nil),
			reconnections:    cfactory.AddOrGetCounter("reconnections_total", "Numbers of connection reopens", nil, nil),
			pings:            cfactory.AddOrGetCounter("pings_total", "Numbers of keepalive pings", nil, nil),
		},
		builders: make(map[string]*messageBuilder, 10),
		closed:   make(chan struct{}),
	}
	go fclient.runPinger()
	return fclient
}

// SubmitBatch implements base.SinkClient. The forward protocol acknowledges a
// whole chunk or nothing, so the result never carries partial failures.
func (fclient *client) SubmitBatch(ctx context.Context, records []*base.LogRecord) (base.SinkBatchResult, error) {
	if len(records) == 0 {
		return base.SinkBatchResult{}, nil
	}

	fclient.mu.Lock()
	defer fclient.mu.Unlock()

	if err := fclient.ensureConnectionLocked(ctx); err != nil {
		return base.SinkBatchResult{}, err
	}

	tag := fclient.config.tagOf(records[0].StreamID)
	builder, found := fclient.builders[tag]
	if !found {
		builder = newMessageBuilder(tag, fclient.config.messageMode())
		fclient.builders[tag] = builder
	}
	data, chunkID, berr := builder.Build(records)
	if berr != nil {
		return base.SinkBatchResult{}, fmt.Errorf("%w: %s", base.ErrSerialization, berr.Error())
	}

	timeout := defs.SinkBatchSendTimeoutBase + time.Duration(len(data)/defs.SinkBatchSendMinimumSpeed)*time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err := fclient.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return base.SinkBatchResult{}, fclient.failConnectionLocked("failed to set send timeout", err)
	}
	if err := writeAll(fclient.conn, data); err != nil {
		return base.SinkBatchResult{}, fclient.failConnectionLocked("failed to send", err)
	}
	fclient.lastSend = time.Now()

	if err := fclient.awaitAckLocked(chunkID); err != nil {
		return base.SinkBatchResult{}, err
	}
	fclient.metrics.forwardedBatches.Inc()
	fclient.metrics.forwardedBytes.Add(uint64(len(data)))
	return base.SinkBatchResult{}, nil
}

// Close shuts the pinger and the connection; repeated calls are no-ops
func (fclient *client) Close() error {
	fclient.closeOnce.Do(func() {
		close(fclient.closed)
		fclient.mu.Lock()
		defer fclient.mu.Unlock()
		fclient.closeConnectionLocked()
	})
	return nil
}

func (fclient *client) ensureConnectionLocked(ctx context.Context) error {
	if fclient.conn != nil {
		return nil
	}

	upstream := fclient.config.Upstream
	sock, cerr := connect(fclient.logger, upstream.TLS, upstream.Address)
	if cerr != nil {
		fclient.metrics.networkErrors.Inc()
		return fmt.Errorf("%w: failed to connect: %s", base.ErrSinkUnavailable, cerr.Error())
	}
	fclient.logger.Info("connected to ", sock.RemoteAddr())

	secret, serr := fclient.resolveSecret(ctx)
	if serr != nil {
		closeSocket(fclient.logger, sock)
		return serr
	}
	if len(secret) > 0 {
		success, reason, herr := forwardprotocol.DoClientHandshake(sock, secret, defs.SinkHandshakeTimeout)
		if herr != nil {
			closeSocket(fclient.logger, sock)
			fclient.metrics.networkErrors.Inc()
			return fmt.Errorf("%w: failed to handshake: %s", base.ErrSinkUnavailable, herr.Error())
		}
		if !success {
			closeSocket(fclient.logger, sock)
			return fmt.Errorf("%w: handshake rejected: %s", base.ErrAuthFailure, reason)
		}
	}

	fclient.conn = sock
	fclient.decoder = msgpack.NewDecoder(sock)
	fclient.metrics.reconnections.Inc()
	return nil
}

// resolveSecret prefers the configured secret and falls back to the credential
// provider keyed by the upstream address
func (fclient *client) resolveSecret(ctx context.Context) (string, error) {
	if len(fclient.config.Upstream.Secret) > 0 {
		return fclient.config.Upstream.Secret, nil
	}
	if fclient.credentials == nil {
		return "", nil
	}
	token, terr := fclient.credentials.GetToken(ctx, fclient.config.Upstream.Address)
	if terr != nil {
		return "", fmt.Errorf("%w: %s", base.ErrAuthFailure, terr.Error())
	}
	return token.Value, nil
}

func (fclient *client) awaitAckLocked(chunkID string) error {
	if err := fclient.conn.SetReadDeadline(time.Now().Add(defs.SinkBatchAckTimeout)); err != nil {
		return fclient.failConnectionLocked("failed to set ACK timeout", err)
	}
	ack := forwardprotocol.Ack{}
	if err := fclient.decoder.Decode(&ack); err != nil {
		return fclient.failConnectionLocked("failed to read ACK", err)
	}
	if ack.Ack != chunkID {
		// out of sync with upstream, drop the connection to resynchronize
		return fclient.failConnectionLocked("ACK mismatch", fmt.Errorf("expected %s, got %s", chunkID, ack.Ack))
	}
	return nil
}

func (fclient *client) failConnectionLocked(what string, err error) error {
	fclient.metrics.networkErrors.Inc()
	fclient.logger.Warnf("%s: %s", what, err.Error())
	fclient.closeConnectionLocked()
	return fmt.Errorf("%w: %s: %s", base.ErrSinkUnavailable, what, err.Error())
}

func (fclient *client) closeConnectionLocked() {
	if fclient.conn == nil {
		return
	}
	closeSocket(fclient.logger, fclient.conn)
	fclient.conn = nil
	fclient.decoder = nil
}

// runPinger sends a forward message of zero records on an idle connection to
// report liveness to the upstream
func (fclient *client) runPinger() {
	for {
		select {
		case <-fclient.closed:
			return
		case <-time.After(defs.SinkPingInterval):
		}

		fclient.mu.Lock()
		if fclient.conn != nil && time.Since(fclient.lastSend) >= defs.SinkPingInterval {
			if err := fclient.conn.SetWriteDeadline(time.Now().Add(defs.SinkBatchSendTimeoutBase)); err == nil {
				if werr := writeAll(fclient.conn, internalPingMessage); werr != nil {
					fclient.logger.Warnf("failed to ping: %s", werr.Error())
					fclient.metrics.networkErrors.Inc()
					fclient.closeConnectionLocked()
				} else {
					fclient.metrics.pings.Inc()
					fclient.lastSend = time.Now()
				}
			}
		}
		fclient.mu.Unlock()
	}
}

func connect(connLogger logger.Logger, useTLS bool, address string) (net.Conn, error) {
	if useTLS {
		connLogger.Infof("connecting to %s in TLS mode", address)
		dialer := &net.Dialer{}
		dialer.Timeout = defs.SinkConnectionTimeout
		dialer.Deadline = time.Now().Add(defs.SinkConnectionTimeout)
		tlsConfig := &tls.Config{} //nolint:gosec // we don't verify certs anyway
		tlsConfig.InsecureSkipVerify = true
		return tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	}
	connLogger.Infof("connecting to %s in TCP mode", address)
	return net.DialTimeout("tcp", address, defs.SinkConnectionTimeout)
}

func closeSocket(parentLogger logger.Logger, sock net.Conn) {
	if err := sock.Close(); err != nil && !util.IsNetworkClosed(err) {
		parentLogger.Warn("error closing connection: ", err)
	}
}

var internalPingMessage = buildInternalPingMessage()

// buildInternalPingMessage makes a forward message of zero logs and no chunk ID (no ACK)
func buildInternalPingMessage() []byte {
	var packet bytes.Buffer
	packet.Grow(100)
	encoder := msgpack.NewEncoder(&packet)
	// root array
	if err := encoder.EncodeArrayLen(3); err != nil {
		logger.Panic(err)
	}
	{
		// root[0]: tag
		if err := encoder.EncodeString("internal.ping"); err != nil {
			logger.Panic(err)
		}
		// root[1]: array of log records in batch
		if err := encoder.EncodeArrayLen(0); err != nil {
			logger.Panic(err)
		}
		// root[2]: options
		if err := encoder.Encode(forwardprotocol.TransportOption{
			Size:       0,
			Chunk:      "",
			Compressed: "",
		}); err != nil {
			logger.Panic(err)
		}
	}
	return packet.Bytes()
}

func writeAll(conn io.Writer, data []byte) error {
	for {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}
}
