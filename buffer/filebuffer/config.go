package filebuffer

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bconfig"
	"github.com/relex/slog-relay/defs"
)

// EvictionPolicy selects what happens when a stream reaches its capacity
type EvictionPolicy string

// Supported eviction policies. Backpressure is the default: silent loss
// defeats the purpose of buffering.
const (
	PolicyBackpressure EvictionPolicy = "backpressure"
	PolicyEvictOldest  EvictionPolicy = "evictOldest"
)

// Config defines the configuration for the file-backed event buffer
type Config struct {
	bconfig.Header   `yaml:",inline"`
	RootPath         string            `yaml:"rootPath"`         // root path on top of per-stream queue dirs, may contain environment variables
	MaxStreamSize    datasize.ByteSize `yaml:"maxStreamSize"`    // max total payload bytes queued per stream
	MaxStreamEntries int               `yaml:"maxStreamEntries"` // max entries queued per stream, defs.BufferMaxEntriesPerStream if zero
	EvictionPolicy   EvictionPolicy    `yaml:"evictionPolicy"`   // backpressure if unspecified
	StreamOverrides  []OverrideConfig  `yaml:"streamOverrides"`  // first matching override wins
}

// OverrideConfig overrides capacity or policy for streams matching a glob pattern
type OverrideConfig struct {
	Match            string            `yaml:"match"` // glob pattern on stream ID
	MaxStreamSize    datasize.ByteSize `yaml:"maxStreamSize"`
	MaxStreamEntries int               `yaml:"maxStreamEntries"`
	EvictionPolicy   EvictionPolicy    `yaml:"evictionPolicy"`

	pattern glob.Glob
}

// streamPolicy is the resolved capacity policy of one stream
type streamPolicy struct {
	maxBytes   int64
	maxEntries int
	evictOld   bool
}

// NewBuffer opens the buffer at rootPath, recovering all existing stream queues
func (cfg *Config) NewBuffer(parentLogger logger.Logger, metricFactory *base.MetricFactory) (base.EventBuffer, error) {
	rootPath := os.ExpandEnv(cfg.RootPath)
	if strings.Contains(rootPath, "$") {
		parentLogger.Warnf("possibly misconfigured .rootPath: '%s'", rootPath)
	}
	return openBuffer(parentLogger, cfg, rootPath, metricFactory)
}

// VerifyConfig checks configuration and compiles override patterns
func (cfg *Config) VerifyConfig() error {
	if len(cfg.RootPath) == 0 {
		return fmt.Errorf(".rootPath is unspecified")
	}
	if cfg.MaxStreamSize.Bytes() == 0 {
		return fmt.Errorf(".maxStreamSize is unspecified")
	}
	if err := verifyPolicy(cfg.EvictionPolicy, true); err != nil {
		return fmt.Errorf(".evictionPolicy: %w", err)
	}
	for i := range cfg.StreamOverrides {
		override := &cfg.StreamOverrides[i]
		if len(override.Match) == 0 {
			return fmt.Errorf(".streamOverrides[%d].match is unspecified", i)
		}
		pattern, perr := glob.Compile(override.Match)
		if perr != nil {
			return fmt.Errorf(".streamOverrides[%d].match: %w", i, perr)
		}
		override.pattern = pattern
		if err := verifyPolicy(override.EvictionPolicy, true); err != nil {
			return fmt.Errorf(".streamOverrides[%d].evictionPolicy: %w", i, err)
		}
	}
	return nil
}

func verifyPolicy(policy EvictionPolicy, allowEmpty bool) error {
	switch policy {
	case "":
		if !allowEmpty {
			return fmt.Errorf("unspecified")
		}
	case PolicyBackpressure, PolicyEvictOldest:
	default:
		return fmt.Errorf("'%s' is not a valid policy", policy)
	}
	return nil
}

// resolvePolicy computes the effective capacity policy for a stream ID.
// Dead-letter streams always run evict-oldest so a broken sink cannot wedge
// quarantining for the main stream.
func (cfg *Config) resolvePolicy(streamID string) streamPolicy {
	resolved := streamPolicy{
		maxBytes:   int64(cfg.MaxStreamSize.Bytes()),
		maxEntries: cfg.MaxStreamEntries,
		evictOld:   cfg.EvictionPolicy == PolicyEvictOldest,
	}
	for i := range cfg.StreamOverrides {
		override := &cfg.StreamOverrides[i]
		if override.pattern == nil || !override.pattern.Match(streamID) {
			continue
		}
		if override.MaxStreamSize.Bytes() > 0 {
			resolved.maxBytes = int64(override.MaxStreamSize.Bytes())
		}
		if override.MaxStreamEntries > 0 {
			resolved.maxEntries = override.MaxStreamEntries
		}
		if override.EvictionPolicy != "" {
			resolved.evictOld = override.EvictionPolicy == PolicyEvictOldest
		}
		break
	}
	if resolved.maxEntries <= 0 {
		resolved.maxEntries = defs.BufferMaxEntriesPerStream
	}
	if strings.HasSuffix(streamID, defs.DeadLetterSuffix) {
		resolved.evictOld = true
	}
	return resolved
}
