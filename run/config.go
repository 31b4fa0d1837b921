package run

import (
	"fmt"
	"os"

	"github.com/relex/slog-relay/base/bconfig"
	"github.com/relex/slog-relay/buffer"
	"github.com/relex/slog-relay/shipper"
	"github.com/relex/slog-relay/sink"
	"github.com/relex/slog-relay/util"
	"gopkg.in/yaml.v3"
)

// Config defines the root of slog-relay config file
type Config struct {
	Anchors     AnchorsConfig                   `yaml:"anchors"`
	Buffer      bconfig.EventBufferConfigHolder `yaml:"buffer"`
	Shipper     shipper.Config                  `yaml:"shipper"`
	Sink        bconfig.SinkConfigHolder        `yaml:"sink"`
	Credentials CredentialsConfig               `yaml:"credentials"`
}

// AnchorsConfig defines the anchors section in config file
// The section is meant to provide anchors for other sections and doesn't need to be unmarshalled itself
type AnchorsConfig struct {
}

// CredentialsConfig defines where sink credentials come from when they are not
// written into the sink section itself
type CredentialsConfig struct {
	Secret    string `yaml:"secret"`    // shared secret for all sink resources
	SecretEnv string `yaml:"secretEnv"` // name of an environment variable holding the secret
}

func init() {
	buffer.Register()
	sink.Register()
}

// LoadConfigFile loads config from the path and verifies all sections
func LoadConfigFile(filepath string) (*Config, error) {
	cref := &Config{}
	if err := util.UnmarshalYamlFile(filepath, cref); err != nil {
		return nil, err
	}
	if cref.Buffer.Value == nil {
		return nil, fmt.Errorf("buffer: section is unspecified")
	}
	if err := cref.Buffer.VerifyConfig(); err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}
	if err := cref.Shipper.VerifyConfig(); err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	if cref.Sink.Value == nil {
		return nil, fmt.Errorf("sink: section is unspecified")
	}
	if err := cref.Sink.VerifyConfig(); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if len(cref.Credentials.SecretEnv) > 0 && len(os.Getenv(cref.Credentials.SecretEnv)) == 0 {
		return nil, fmt.Errorf("credentials: environment variable '%s' is empty or unset", cref.Credentials.SecretEnv)
	}
	return cref, nil
}

// MarshalYAML provides custom marshalling to export readable document. The result is not reversible.
func (holder AnchorsConfig) MarshalYAML() (interface{}, error) {
	return []string(nil), nil
}

// UnmarshalYAML provides custom unmarshalling for the implementations of Config
func (holder *AnchorsConfig) UnmarshalYAML(value *yaml.Node) error {
	return nil
}
