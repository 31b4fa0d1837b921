package bconfig

import (
	"fmt"

	"github.com/relex/slog-relay/util"
	"gopkg.in/yaml.v3"
)

// unmarshalYAMLObjectHolder unmarshals type-specific configuration of an element
// into a holder field, picking the concrete config struct by the .type property
func unmarshalYAMLObjectHolder(value *yaml.Node, createConfig func(typ string) interface{}) error {
	if len(value.Content) < 2 {
		return util.NewYamlError(value, ".type is undefined")
	}
	if value.Content[0].Kind != yaml.ScalarNode || value.Content[0].Value != "type" {
		return util.NewYamlError(value, fmt.Sprintf(".type is not the first property, which is: %v", value.Content[0]))
	}
	typeName := value.Content[1].Value
	config := createConfig(typeName)
	if config == nil {
		return util.NewYamlError(value, fmt.Sprintf(".type: unsupported '%s'", typeName))
	}
	if err := value.Decode(config); err != nil {
		return util.NewYamlError(value, err.Error())
	}
	return nil
}
