package clickhousesink

import (
	"fmt"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bconfig"
)

// Config defines the ClickHouse indexing sink
type Config struct {
	bconfig.Header `yaml:",inline"`
	Addr           []string `yaml:"addr"`
	Database       string   `yaml:"database"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"` // fetched from the credential provider if unset
	Table          string   `yaml:"table"`    // "log_records" if unset
	CreateTable    bool     `yaml:"createTable"`
}

// NewClient creates a SinkClient inserting batches into the configured table
func (cfg *Config) NewClient(parentLogger logger.Logger, metricFactory *base.MetricFactory,
	credentials base.CredentialProvider) (base.SinkClient, error) {

	return newClient(parentLogger, cfg, metricFactory, credentials), nil
}

// VerifyConfig checks configuration
func (cfg *Config) VerifyConfig() error {
	if len(cfg.Addr) == 0 {
		return fmt.Errorf(".addr is unspecified")
	}
	if len(cfg.Database) == 0 {
		return fmt.Errorf(".database is unspecified")
	}
	return nil
}

func (cfg *Config) table() string {
	if len(cfg.Table) > 0 {
		return cfg.Table
	}
	return "log_records"
}
