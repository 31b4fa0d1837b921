// Package sink registers the list of all SinkClient implementations
package sink

import (
	"github.com/relex/slog-relay/base/bconfig"
	"github.com/relex/slog-relay/sink/clickhousesink"
	"github.com/relex/slog-relay/sink/fluentdsink"
)

func init() {
	bconfig.RegisterSinkConfigConstructors(map[string]func() bconfig.SinkConfig{
		"clickhouse":     func() bconfig.SinkConfig { return &clickhousesink.Config{} },
		"fluentdForward": func() bconfig.SinkConfig { return &fluentdsink.Config{} },
	})
}

// Register registers all sink config types
func Register() {
	// trigger init()
}
