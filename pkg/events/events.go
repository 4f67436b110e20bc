// PackClaw - Multi-agent orchestration core
// License: MIT

package events

import "sync"

// Type names a lifecycle event. Producers share these names so reporters
// can subscribe without knowing which component emits.
type Type string

const (
	TaskStarted       Type = "task-started"
	TaskCompleted     Type = "task-completed"
	TaskFailed        Type = "task-failed"
	TaskDeferred      Type = "task-deferred"
	TaskRetried       Type = "task-retried"
	SessionComplete   Type = "session-complete"
	FileConflict      Type = "file-conflict"
	StepStarted       Type = "step-started"
	StepCompleted     Type = "step-completed"
	WorkflowCompleted Type = "workflow-completed"
	Progress          Type = "progress"
)

// Event is delivered to every subscribed handler. Payload shapes are owned
// by the emitting package.
type Event struct {
	Type    Type
	Payload any
}

type subscription struct {
	id   int
	fn   func(Event)
	once bool
}

// Emitter is a typed publish/subscribe hub. Handlers run synchronously on
// the emitting goroutine, in subscription order.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Type][]subscription
}

func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[Type][]subscription),
	}
}

// On registers fn for every event of type t. The returned function removes
// the subscription; calling it more than once is harmless.
func (e *Emitter) On(t Type, fn func(Event)) func() {
	return e.subscribe(t, fn, false)
}

// Once registers fn for the next event of type t only.
func (e *Emitter) Once(t Type, fn func(Event)) func() {
	return e.subscribe(t, fn, true)
}

func (e *Emitter) subscribe(t Type, fn func(Event), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers[t] = append(e.handlers[t], subscription{id: id, fn: fn, once: once})

	return func() {
		e.off(t, id)
	}
}

func (e *Emitter) off(t Type, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.handlers[t]
	for i, s := range subs {
		if s.id == id {
			e.handlers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered for t, in subscription order.
// Once-handlers are removed before their callback runs so a re-entrant
// Emit never fires them twice.
func (e *Emitter) Emit(t Type, payload any) {
	e.mu.Lock()
	subs := e.handlers[t]
	fns := make([]func(Event), 0, len(subs))
	kept := subs[:0]
	for _, s := range subs {
		fns = append(fns, s.fn)
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.handlers[t] = kept
	e.mu.Unlock()

	ev := Event{Type: t, Payload: payload}
	for _, fn := range fns {
		fn(ev)
	}
}

// ListenerCount reports how many handlers are registered for t.
func (e *Emitter) ListenerCount(t Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[t])
}
