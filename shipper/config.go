package shipper

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/relex/slog-relay/defs"
)

// Config defines the shipper tier: which streams to drain and how to batch,
// retry and quarantine. Zero durations and counts fall back to defs tunables.
type Config struct {
	Streams             []string      `yaml:"streams"`             // glob patterns of stream IDs to ship, e.g. ["orders-*", "payments-prod"]
	BatchSize           int           `yaml:"batchSize"`           // max entries per lease and sink submission
	VisibilityTimeout   time.Duration `yaml:"visibilityTimeout"`   // must exceed the sink round-trip time with margin
	MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"` // attempts before an entry is quarantined to the dead-letter stream
	SplitAfterFailures  int           `yaml:"splitAfterFailures"`  // consecutive failures on the same batch before halving it
	RetryInterval       time.Duration `yaml:"retryInterval"`       // backoff after a failed batch or an unavailable buffer
	RescanInterval      time.Duration `yaml:"rescanInterval"`      // how often to look for newly appeared streams

	patterns []glob.Glob
}

// VerifyConfig checks configuration and compiles stream patterns
func (cfg *Config) VerifyConfig() error {
	if len(cfg.Streams) == 0 {
		return fmt.Errorf(".streams is unspecified")
	}
	cfg.patterns = make([]glob.Glob, 0, len(cfg.Streams))
	for i, pat := range cfg.Streams {
		compiled, gerr := glob.Compile(pat)
		if gerr != nil {
			return fmt.Errorf(".streams[%d]: %w", i, gerr)
		}
		cfg.patterns = append(cfg.patterns, compiled)
	}
	if cfg.BatchSize < 0 || cfg.MaxDeliveryAttempts < 0 || cfg.SplitAfterFailures < 0 {
		return fmt.Errorf("negative count in shipper configuration")
	}
	return nil
}

// matches tells whether a stream is assigned to this shipper group.
// Dead-letter streams are never drained.
func (cfg *Config) matches(streamID string) bool {
	if len(streamID) == 0 || isDeadLetterStream(streamID) {
		return false
	}
	for _, pattern := range cfg.patterns {
		if pattern.Match(streamID) {
			return true
		}
	}
	return false
}

func (cfg *Config) batchSize() int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return defs.ShipperBatchSize
}

func (cfg *Config) visibilityTimeout() time.Duration {
	if cfg.VisibilityTimeout > 0 {
		return cfg.VisibilityTimeout
	}
	return defs.ShipperVisibilityTimeout
}

func (cfg *Config) maxDeliveryAttempts() int {
	if cfg.MaxDeliveryAttempts > 0 {
		return cfg.MaxDeliveryAttempts
	}
	return defs.ShipperMaxDeliveryAttempts
}

func (cfg *Config) splitAfterFailures() int {
	if cfg.SplitAfterFailures > 0 {
		return cfg.SplitAfterFailures
	}
	return defs.ShipperSplitAfterFailures
}

func (cfg *Config) retryInterval() time.Duration {
	if cfg.RetryInterval > 0 {
		return cfg.RetryInterval
	}
	return defs.ShipperRetryInterval
}

func (cfg *Config) rescanInterval() time.Duration {
	if cfg.RescanInterval > 0 {
		return cfg.RescanInterval
	}
	return defs.ShipperStreamRescanInterval
}
