package bconfig

import (
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"gopkg.in/yaml.v3"
)

// EventBufferConfig is implemented by the configs of all EventBuffer implementations
type EventBufferConfig interface {
	GetType() string
	NewBuffer(parentLogger logger.Logger, metricFactory *base.MetricFactory) (base.EventBuffer, error)
	VerifyConfig() error
}

// EventBufferConfigHolder holds an EventBufferConfig for type-based YAML unmarshalling
type EventBufferConfigHolder struct {
	Value EventBufferConfig
}

var eventBufferConfigConstructors = make(map[string]func() EventBufferConfig, 2)

// RegisterEventBufferConfigConstructors registers constructors of EventBufferConfig implementations by type name
func RegisterEventBufferConfigConstructors(newMap map[string]func() EventBufferConfig) {
	for name, constructor := range newMap {
		eventBufferConfigConstructors[name] = constructor
	}
}

// UnmarshalYAML unmarshals the buffer section by its .type property
func (holder *EventBufferConfigHolder) UnmarshalYAML(value *yaml.Node) error {
	return unmarshalYAMLObjectHolder(value, func(typ string) interface{} {
		constructor, found := eventBufferConfigConstructors[typ]
		if !found {
			return nil
		}
		config := constructor()
		holder.Value = config
		return config
	})
}

// MarshalYAML marshals the held config back for diagnostic dumps
func (holder EventBufferConfigHolder) MarshalYAML() (interface{}, error) {
	return holder.Value, nil
}

// VerifyConfig checks the held configuration
func (holder *EventBufferConfigHolder) VerifyConfig() error {
	return holder.Value.VerifyConfig()
}
