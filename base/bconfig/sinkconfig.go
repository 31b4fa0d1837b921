package bconfig

import (
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"gopkg.in/yaml.v3"
)

// SinkConfig is implemented by the configs of all SinkClient implementations
type SinkConfig interface {
	GetType() string
	NewClient(parentLogger logger.Logger, metricFactory *base.MetricFactory, credentials base.CredentialProvider) (base.SinkClient, error)
	VerifyConfig() error
}

// SinkConfigHolder holds a SinkConfig for type-based YAML unmarshalling
type SinkConfigHolder struct {
	Value SinkConfig
}

var sinkConfigConstructors = make(map[string]func() SinkConfig, 2)

// RegisterSinkConfigConstructors registers constructors of SinkConfig implementations by type name
func RegisterSinkConfigConstructors(newMap map[string]func() SinkConfig) {
	for name, constructor := range newMap {
		sinkConfigConstructors[name] = constructor
	}
}

// UnmarshalYAML unmarshals the sink section by its .type property
func (holder *SinkConfigHolder) UnmarshalYAML(value *yaml.Node) error {
	return unmarshalYAMLObjectHolder(value, func(typ string) interface{} {
		constructor, found := sinkConfigConstructors[typ]
		if !found {
			return nil
		}
		config := constructor()
		holder.Value = config
		return config
	})
}

// MarshalYAML marshals the held config back for diagnostic dumps
func (holder SinkConfigHolder) MarshalYAML() (interface{}, error) {
	return holder.Value, nil
}

// VerifyConfig checks the held configuration
func (holder *SinkConfigHolder) VerifyConfig() error {
	return holder.Value.VerifyConfig()
}
