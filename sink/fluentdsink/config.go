package fluentdsink

import (
	"fmt"

	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/base/bconfig"
)

// Config defines the fluentd-forward indexing sink
type Config struct {
	bconfig.Header `yaml:",inline"`
	Tag            string                      `yaml:"tag"`         // fixed message tag; "logs.<stream ID>" if unset
	MessageMode    forwardprotocol.MessageMode `yaml:"messageMode"` // CompressedPackedForward if unset
	Upstream       UpstreamConfig              `yaml:"upstream"`
}

// UpstreamConfig defines the upstream section in config file
type UpstreamConfig struct {
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
	Secret  string `yaml:"secret"` // shared secret; fetched from the credential provider if unset
}

// NewClient creates a SinkClient forwarding batches to the configured upstream
func (cfg *Config) NewClient(parentLogger logger.Logger, metricFactory *base.MetricFactory,
	credentials base.CredentialProvider) (base.SinkClient, error) {

	return newClient(parentLogger, cfg, metricFactory, credentials), nil
}

// VerifyConfig checks configuration
func (cfg *Config) VerifyConfig() error {
	if len(cfg.Upstream.Address) == 0 {
		return fmt.Errorf(".upstream.address is unspecified")
	}
	switch cfg.MessageMode {
	case "", forwardprotocol.ModeForward, forwardprotocol.ModePackedForward, forwardprotocol.ModeCompressedPackedForward:
	default:
		return fmt.Errorf(".messageMode: '%s' is not supported", cfg.MessageMode)
	}
	return nil
}

func (cfg *Config) messageMode() forwardprotocol.MessageMode {
	if cfg.MessageMode == "" {
		return forwardprotocol.ModeCompressedPackedForward
	}
	return cfg.MessageMode
}

func (cfg *Config) tagOf(streamID string) string {
	if len(cfg.Tag) > 0 {
		return cfg.Tag
	}
	return "logs." + streamID
}
