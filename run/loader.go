package run

import (
	"context"
	"fmt"
	"os"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/shipper"
	"github.com/relex/slog-relay/sink/shared"
)

// Loader loads configuration from file and prepares the environments to be launched
//
// Loader should take care of everything derived from the config file, but not trigger anything automatically
type Loader struct {
	filepath string // config file path

	Config
	MetricFactory *base.MetricFactory
}

// NewLoaderFromConfigFile creates a Loader from the config file at the path
func NewLoaderFromConfigFile(filepath string, metricPrefix string) (*Loader, error) {
	config, configErr := LoadConfigFile(filepath)
	if configErr != nil {
		return nil, configErr
	}

	return &Loader{
		filepath:      filepath,
		Config:        *config,
		MetricFactory: base.NewMetricFactory(metricPrefix, nil, nil),
	}, nil
}

// OpenBuffer opens the event buffer, recovering any entries left from a
// previous process
func (loader *Loader) OpenBuffer(parentLogger logger.Logger) (base.EventBuffer, error) {
	eventBuffer, err := loader.Buffer.Value.NewBuffer(parentLogger, loader.MetricFactory)
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}
	return eventBuffer, nil
}

// NewCredentials builds the credential provider for sinks. Returns nil when
// no credentials section is configured and sinks carry their own secrets.
func (loader *Loader) NewCredentials() base.CredentialProvider {
	switch {
	case len(loader.Credentials.Secret) > 0:
		return shared.StaticCredentials{Secret: loader.Credentials.Secret}
	case len(loader.Credentials.SecretEnv) > 0:
		envVar := loader.Credentials.SecretEnv
		return shared.NewCachingCredentials(func(_ context.Context, _ string) (base.Token, error) {
			value := os.Getenv(envVar)
			if len(value) == 0 {
				return base.Token{}, fmt.Errorf("environment variable '%s' is empty or unset", envVar)
			}
			return base.Token{Value: value}, nil
		})
	default:
		return nil
	}
}

// LaunchShippers starts the shipper group draining the given buffer in background
func (loader *Loader) LaunchShippers(parentLogger logger.Logger, eventBuffer base.EventBuffer) *shipper.Group {
	credentials := loader.NewCredentials()
	group := shipper.NewGroup(parentLogger, &loader.Shipper, eventBuffer, func(string) (base.SinkClient, error) {
		return loader.Sink.Value.NewClient(parentLogger, loader.MetricFactory, credentials)
	}, loader.MetricFactory)
	group.Launch()
	return group
}
