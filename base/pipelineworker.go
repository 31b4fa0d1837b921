package base

import (
	"github.com/relex/gotils/channels"
)

// PipelineWorker represents a background worker in the shipping pipeline, e.g. a
// shipper worker or a stream rescanner
type PipelineWorker interface {
	Launch()
	Stopped() channels.Awaitable
}
