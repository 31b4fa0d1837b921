package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityTrace < SeverityDebug)
	assert.True(t, SeverityDebug < SeverityInfo)
	assert.True(t, SeverityInfo < SeverityWarn)
	assert.True(t, SeverityWarn < SeverityError)
	assert.True(t, SeverityError < SeverityFatal)
}

func TestSeverityNames(t *testing.T) {
	for _, name := range []string{"trace", "debug", "info", "warn", "error", "fatal"} {
		sev, err := ParseSeverity(name)
		assert.NoError(t, err)
		assert.Equal(t, name, sev.String())
	}
	_, err := ParseSeverity("verbose")
	assert.Error(t, err)
}

func TestSeverityYaml(t *testing.T) {
	var sev Severity
	assert.NoError(t, yaml.Unmarshal([]byte("warn"), &sev))
	assert.Equal(t, SeverityWarn, sev)

	out, err := yaml.Marshal(SeverityError)
	assert.NoError(t, err)
	assert.Equal(t, "error\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("loud"), &sev))
}
