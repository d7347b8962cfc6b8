package orchestrator

import "github.com/runbookd/runbookd/internal/model"

// defaultEventBuffer sizes the event bus channel. The buffer is generous so
// workers effectively never block on a slow stream consumer; if it does fill,
// producers block rather than drop. No event is ever discarded.
const defaultEventBuffer = 4096

// eventBus is the single ordered channel shared by all node workers as
// producers and the orchestrator's consumer loop as sole consumer.
type eventBus struct {
	ch chan model.TimelineEvent
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{ch: make(chan model.TimelineEvent, size)}
}

func (b *eventBus) publish(ev model.TimelineEvent) {
	b.ch <- ev
}

// close must only be called after every producer has finished.
func (b *eventBus) close() {
	close(b.ch)
}

func (b *eventBus) events() <-chan model.TimelineEvent {
	return b.ch
}
