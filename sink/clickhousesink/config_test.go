package clickhousesink

import (
	"testing"

	"github.com/relex/slog-relay/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigParsing(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, util.UnmarshalYamlString(`
type: clickhouse
addr: ['ch1:9000', 'ch2:9000']
database: logs
username: relay
table: prod_log_records
createTable: true
`, cfg))
	require.NoError(t, cfg.VerifyConfig())
	assert.Equal(t, "prod_log_records", cfg.table())

	missing := &Config{}
	require.NoError(t, util.UnmarshalYamlString(`
type: clickhouse
addr: ['ch1:9000']
`, missing))
	assert.ErrorContains(t, missing.VerifyConfig(), ".database")
	assert.Equal(t, "log_records", missing.table())
}
