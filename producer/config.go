package producer

import (
	"fmt"
	"time"

	"github.com/relex/slog-relay/defs"
)

// Config defines a producer client bound to one stream
type Config struct {
	StreamID             string        `yaml:"streamId"`
	EnqueueTimeout       time.Duration `yaml:"enqueueTimeout"`       // max wait on a full buffer, defs.ProducerEnqueueTimeout if zero
	LocalFallbackEnabled bool          `yaml:"localFallbackEnabled"` // local-development mode only, never in production
	LocalFallbackPath    string        `yaml:"localFallbackPath"`    // JSON lines file, required if fallback is enabled
}

// VerifyConfig checks configuration
func (cfg *Config) VerifyConfig() error {
	if len(cfg.StreamID) == 0 {
		return fmt.Errorf(".streamId is unspecified")
	}
	if cfg.EnqueueTimeout < 0 {
		return fmt.Errorf(".enqueueTimeout is negative")
	}
	if cfg.LocalFallbackEnabled && len(cfg.LocalFallbackPath) == 0 {
		return fmt.Errorf(".localFallbackPath is unspecified while fallback is enabled")
	}
	return nil
}

func (cfg *Config) enqueueTimeout() time.Duration {
	if cfg.EnqueueTimeout > 0 {
		return cfg.EnqueueTimeout
	}
	return defs.ProducerEnqueueTimeout
}
