package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// debouncer coalesces rapid events per path. For a given path the last
// event in the window wins, with two exceptions:
//   - ADD then REMOVE cancels outright (the file never really existed)
//   - CHANGE while an ADD is pending stays ADD (still a new file)
//
// REMOVE then ADD collapses to CHANGE: the file was replaced.
type debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]*pendingEvent
	out     chan []Event
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   Event
	firstOp Kind
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		out:     make(chan []Event, 10),
	}
}

func (d *debouncer) add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		merged := coalesce(existing, event)
		if merged == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *merged
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Kind}
	}

	d.scheduleFlush()
}

func coalesce(existing *pendingEvent, next Event) *Event {
	switch existing.firstOp {
	case EventAdd:
		switch next.Kind {
		case EventRemove:
			return nil
		case EventChange:
			// Still a brand-new file.
			kept := existing.event
			return &kept
		}
	case EventRemove:
		if next.Kind == EventAdd {
			replaced := next
			replaced.Kind = EventChange
			return &replaced
		}
	}
	return &next
}

func (d *debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.out <- batch:
	default:
		slog.Warn("debouncer output full, dropping batch", slog.Int("batch_size", len(batch)))
	}
}

func (d *debouncer) output() <-chan []Event { return d.out }

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}
