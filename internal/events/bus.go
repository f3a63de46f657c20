package events

import (
	"sync"

	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/pkg/logger"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind misses intermediate events but still observes the
// latest state; it never blocks publishing.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan pipeline.ProgressEvent
	closed bool
}

// Bus fans progress events out to any number of per-job subscribers. It
// retains the most recent event per job id so a late subscriber immediately
// receives the current state instead of waiting for the next transition.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
	last map[string]pipeline.ProgressEvent
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*subscriber),
		last: make(map[string]pipeline.ProgressEvent),
	}
}

// Publish delivers the event to all subscribers of its job id without ever
// blocking the caller. After a terminal event all subscriber channels for the
// job are closed; the event itself is retained for late-join replay.
func (b *Bus) Publish(event pipeline.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[event.JobID] = event

	for _, s := range b.subs[event.JobID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- event:
		default:
			logger.Debugf("📡 Dropping event for slow subscriber (job %s, stage %s)", event.JobID, event.StageName)
		}
	}

	if event.Terminal() {
		for _, s := range b.subs[event.JobID] {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(b.subs, event.JobID)
	}
}

// Subscribe attaches to a job's event stream. The last known event, if any,
// is delivered first; if it is already terminal the channel is closed right
// after, so re-subscribing to a finished job yields the same terminal
// snapshot every time. The returned func detaches without affecting other
// subscribers.
func (b *Bus) Subscribe(jobID string) (<-chan pipeline.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan pipeline.ProgressEvent, subscriberBuffer)}

	if last, ok := b.last[jobID]; ok {
		s.ch <- last
		if last.Terminal() {
			s.closed = true
			close(s.ch)
			return s.ch, func() {}
		}
	}

	b.subs[jobID] = append(b.subs[jobID], s)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		list := b.subs[jobID]
		for i, cur := range list {
			if cur == s {
				b.subs[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}
	return s.ch, cancel
}

// Last returns the retained event for a job id, if any.
func (b *Bus) Last(jobID string) (pipeline.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event, ok := b.last[jobID]
	return event, ok
}

// Forget drops the retained event for a job id (restart).
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, jobID)
}
