package orchestrator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds.
const (
	EventState = "state"
	EventTask  = "task"
)

// Event reports a state transition of a request or one of its tasks.
type Event struct {
	Kind    string
	State   State
	TaskID  string
	Domain  string
	Status  TaskStatus
	Elapsed time.Duration
}

// Observer receives orchestration events in order.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

const eventBufferSize = 64

// EventDispatcher ensures sequential event delivery to the observer. A
// panicking observer never affects the request, and a slow one loses events
// instead of stalling task goroutines.
// EventDispatcher 保证事件按顺序投递给观察者，队列满时丢弃事件。
type EventDispatcher struct {
	observer Observer
	eventCh  chan Event
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewEventDispatcher creates a dispatcher; a nil observer discards events.
func NewEventDispatcher(observer Observer, logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &EventDispatcher{observer: observer, logger: logger}
	if observer == nil {
		return d
	}
	d.eventCh = make(chan Event, eventBufferSize)
	d.wg.Add(1)
	go d.dispatchLoop()
	return d
}

func (d *EventDispatcher) dispatchLoop() {
	defer d.wg.Done()
	for e := range d.eventCh {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event observer panicked", "panic", r, "kind", e.Kind)
				}
			}()
			d.observer.OnEvent(e)
		}()
	}
}

// Send queues an event without blocking. When the queue is full the event
// is dropped.
func (d *EventDispatcher) Send(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observer == nil || d.closed {
		return
	}
	select {
	case d.eventCh <- e:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("orchestration event dropped",
			"kind", e.Kind,
			"task_id", e.TaskID,
			"dropped_total", n)
	}
}

// Dropped returns the number of events lost to a full queue.
func (d *EventDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops the dispatcher after delivering queued events.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.observer == nil || d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.eventCh)
	d.wg.Wait()
}
