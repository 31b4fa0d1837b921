// Package buffer registers the list of all EventBuffer implementations
package buffer

import (
	"github.com/relex/slog-relay/base/bconfig"
	"github.com/relex/slog-relay/buffer/filebuffer"
)

func init() {
	bconfig.RegisterEventBufferConfigConstructors(map[string]func() bconfig.EventBufferConfig{
		"file": func() bconfig.EventBufferConfig { return &filebuffer.Config{} },
	})
}

// Register registers all buffer config types
func Register() {
	// trigger init()
}
