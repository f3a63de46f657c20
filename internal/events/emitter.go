package events

import (
	"time"

	"github.com/dubflow/internal/pipeline"
)

// Emitter adapts runner-side stage transitions into bus publications. It is
// the fire-and-forget boundary: publishing never blocks the runner, and
// subscriber health is invisible to the pipeline.
type Emitter struct {
	bus *Bus
}

func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{bus: bus}
}

// Emit implements pipeline.Emitter.
func (e *Emitter) Emit(event pipeline.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	e.bus.Publish(event)
}
