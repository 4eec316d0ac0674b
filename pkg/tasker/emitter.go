package tasker

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task event names.
const (
	EventRunning    = "running"
	EventPreSuccess = "pre-success"
	EventSuccess    = "success"
	EventPreFailure = "pre-failure"
	EventFailure    = "failure"
	EventDone       = "done"
)

// Runner event names. EventRunning is shared with tasks.
const (
	EventIdle        = "idle"
	EventTaskDone    = "task-done"
	EventTaskSuccess = "task-success"
	EventTaskFailure = "task-failure"
)

// EventAll subscribes a handler to every event an emitter publishes.
const EventAll = "*"

// Event is a notification published by a Task or a Runner.
// Task is nil for the runner-level running and idle events.
type Event struct {
	Name string
	Task *Task
	Time time.Time
}

// Handler receives events. Handlers run synchronously on the publishing
// goroutine and never while the publisher holds its own locks.
type Handler func(Event)

type subscription struct {
	id      string
	event   string
	handler Handler
	once    bool
}

// emitter is a small synchronous pub-sub registry with one-shot support.
type emitter struct {
	mu     sync.Mutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
	prefix string
}

func newEmitter(prefix string, logger *slog.Logger) *emitter {
	return &emitter{
		subs:   make(map[string][]subscription),
		logger: logger,
		prefix: prefix,
	}
}

func (e *emitter) subscribe(event string, h Handler, once bool) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := fmt.Sprintf("%s-%d", e.prefix, e.nextID.Add(1))
	e.subs[event] = append(e.subs[event], subscription{id: id, event: event, handler: h, once: once})
	return id
}

func (e *emitter) on(event string, h Handler) string   { return e.subscribe(event, h, false) }
func (e *emitter) once(event string, h Handler) string { return e.subscribe(event, h, true) }

// off removes a subscription by id and reports whether it existed.
func (e *emitter) off(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for event, subs := range e.subs {
		for i, sub := range subs {
			if sub.id == id {
				e.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// emit dispatches ev to handlers for ev.Name, then to wildcard handlers.
// One-shot subscriptions are removed before any handler runs, so each fires
// at most once even with concurrent emits.
func (e *emitter) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.Lock()
	var targets []subscription
	for _, key := range []string{ev.Name, EventAll} {
		subs := e.subs[key]
		kept := subs[:0:0]
		for _, sub := range subs {
			targets = append(targets, sub)
			if !sub.once {
				kept = append(kept, sub)
			}
		}
		if len(kept) != len(subs) {
			e.subs[key] = kept
		}
	}
	e.mu.Unlock()

	for _, sub := range targets {
		e.safeCall(sub, ev)
	}
}

func (e *emitter) safeCall(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event", ev.Name,
				"subscription", sub.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(ev)
}
