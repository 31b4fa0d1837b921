// Package clickhousesink inserts record batches into a ClickHouse table. The
// table is keyed on (stream_id, sequence) so redelivered records collapse in
// the index's logical view.
package clickhousesink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/relex/gotils/logger"
	promexporter "github.com/relex/gotils/promexporter/promext"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
)

type client struct {
	logger      logger.Logger
	config      *Config
	credentials base.CredentialProvider

	insertedRows  promexporter.RWCounter
	failedBatches promexporter.RWCounter

	mu   sync.Mutex
	conn driver.Conn // nil until first use
}

func newClient(parentLogger logger.Logger, config *Config, metricFactory *base.MetricFactory,
	credentials base.CredentialProvider) *client {

	cfactory := metricFactory.NewSubFactory("clickhousesink_", nil, nil)
	return &client{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "ClickHouseSink",
			defs.LabelServer:    config.Addr[0],
		}),
		config:        config,
		credentials:   credentials,
		insertedRows:  cfactory.AddOrGetCounter("inserted_rows_total", "Numbers of rows sent in insert batches", nil, nil),
		failedBatches: cfactory.AddOrGetCounter("failed_batches_total", "Numbers of failed insert batches", nil, nil),
	}
}

// SubmitBatch implements base.SinkClient. A ClickHouse insert is atomic per
// batch, so the result never carries partial failures.
func (chclient *client) SubmitBatch(ctx context.Context, records []*base.LogRecord) (base.SinkBatchResult, error) {
	if len(records) == 0 {
		return base.SinkBatchResult{}, nil
	}

	chclient.mu.Lock()
	defer chclient.mu.Unlock()

	if err := chclient.ensureConnectionLocked(ctx); err != nil {
		chclient.failedBatches.Inc()
		return base.SinkBatchResult{}, err
	}

	batch, perr := chclient.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (stream_id, sequence, timestamp, severity, fields)", chclient.config.table()))
	if perr != nil {
		chclient.failedBatches.Inc()
		chclient.dropConnectionLocked()
		return base.SinkBatchResult{}, fmt.Errorf("%w: failed to prepare batch: %s", base.ErrSinkUnavailable, perr.Error())
	}

	for _, record := range records {
		fieldsJSON, jerr := json.Marshal(record.Fields)
		if jerr != nil {
			chclient.failedBatches.Inc()
			return base.SinkBatchResult{}, fmt.Errorf("%w: %s", base.ErrSerialization, jerr.Error())
		}
		if aerr := batch.Append(record.StreamID, record.Sequence, record.Timestamp,
			uint8(record.Severity), string(fieldsJSON)); aerr != nil {
			chclient.failedBatches.Inc()
			chclient.dropConnectionLocked()
			return base.SinkBatchResult{}, fmt.Errorf("%w: failed to append row: %s", base.ErrSinkUnavailable, aerr.Error())
		}
	}

	if serr := batch.Send(); serr != nil {
		chclient.failedBatches.Inc()
		chclient.dropConnectionLocked()
		return base.SinkBatchResult{}, fmt.Errorf("%w: failed to send batch: %s", base.ErrSinkUnavailable, serr.Error())
	}
	chclient.insertedRows.Add(uint64(len(records)))
	return base.SinkBatchResult{}, nil
}

// Close shuts the connection
func (chclient *client) Close() error {
	chclient.mu.Lock()
	defer chclient.mu.Unlock()
	if chclient.conn == nil {
		return nil
	}
	conn := chclient.conn
	chclient.conn = nil
	return conn.Close()
}

func (chclient *client) ensureConnectionLocked(ctx context.Context) error {
	if chclient.conn != nil {
		return nil
	}

	password := chclient.config.Password
	if len(password) == 0 && chclient.credentials != nil {
		token, terr := chclient.credentials.GetToken(ctx, chclient.config.Addr[0])
		if terr != nil {
			return fmt.Errorf("%w: %s", base.ErrAuthFailure, terr.Error())
		}
		password = token.Value
	}

	conn, cerr := clickhouse.Open(&clickhouse.Options{
		Addr: chclient.config.Addr,
		Auth: clickhouse.Auth{
			Database: chclient.config.Database,
			Username: chclient.config.Username,
			Password: password,
		},
		DialTimeout: defs.SinkConnectionTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if cerr != nil {
		return fmt.Errorf("%w: failed to connect: %s", base.ErrSinkUnavailable, cerr.Error())
	}
	if perr := conn.Ping(ctx); perr != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: failed to ping: %s", base.ErrSinkUnavailable, perr.Error())
	}
	chclient.logger.Info("connected")

	if chclient.config.CreateTable {
		if terr := createTable(ctx, conn, chclient.config.table()); terr != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: failed to create table: %s", base.ErrSinkUnavailable, terr.Error())
		}
	}
	chclient.conn = conn
	return nil
}

func (chclient *client) dropConnectionLocked() {
	if chclient.conn == nil {
		return
	}
	if cerr := chclient.conn.Close(); cerr != nil {
		chclient.logger.Warnf("error closing connection: %s", cerr.Error())
	}
	chclient.conn = nil
}

// createTable makes the target table if missing. ReplacingMergeTree ordered by
// (stream_id, sequence) dedups redelivered records on merge.
func createTable(ctx context.Context, conn driver.Conn, table string) error {
	return conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id String,
			sequence UInt64,
			timestamp DateTime64(6),
			severity UInt8,
			fields String
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (stream_id, sequence)
		PARTITION BY toYYYYMM(timestamp)
	`, table))
}
