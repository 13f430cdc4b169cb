package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Event is a trace record fired by the engine. Observers receive the live
// token; they must not keep it past the call.
type Event struct {
	ID    string              `json:"id"`
	Type  string              `json:"type"`
	Time  time.Time           `json:"time"`
	Token *store.TokenContext `json:"-"`

	TokenID string `json:"token_id,omitempty"`
	Node    string `json:"node,omitempty"`
	Socket  string `json:"socket,omitempty"`

	ControlLink *schema.ControlLink `json:"-"`
	DataLink    *schema.DataLink    `json:"-"`
	Value       any                 `json:"value,omitempty"`

	OldState   schema.LifecycleState   `json:"old_state,omitempty"`
	OldRequest schema.LifecycleRequest `json:"old_request,omitempty"`
	State      schema.LifecycleState   `json:"state,omitempty"`
	Request    schema.LifecycleRequest `json:"request,omitempty"`

	Err error `json:"-"`
	// Handling is the decision for HANDLE_EXCEPTION events. Observers may change it.
	Handling schema.ExceptionHandling `json:"handling,omitempty"`
	// SkipGlobal limits dispatch to the token's own listener.
	SkipGlobal bool `json:"-"`

	vetoed bool
}

// Veto cancels the action announced by a SHALL_EXECUTE_TOKEN event.
func (ev *Event) Veto() { ev.vetoed = true }

// Vetoed reports whether an observer vetoed the event.
func (ev *Event) Vetoed() bool { return ev.vetoed }

// Observer receives engine events. Implementations must be safe for
// concurrent use; tokens run on separate goroutines.
type Observer interface {
	ObserveEvent(ctx context.Context, ev *Event)
}

type funcObserver struct {
	fn func(ctx context.Context, ev *Event)
}

func (o *funcObserver) ObserveEvent(ctx context.Context, ev *Event) { o.fn(ctx, ev) }

// NewObserverFunc adapts a function to an Observer. Each call returns a
// distinct observer that can be unregistered on its own.
func NewObserverFunc(fn func(ctx context.Context, ev *Event)) Observer {
	return &funcObserver{fn: fn}
}

// SynchronizedObserver serializes delivery to the wrapped observer, so that
// an external debugger sees one event at a time across all tokens.
type SynchronizedObserver struct {
	mu    sync.Mutex
	inner Observer
}

// NewSynchronizedObserver wraps inner.
func NewSynchronizedObserver(inner Observer) *SynchronizedObserver {
	return &SynchronizedObserver{inner: inner}
}

func (o *SynchronizedObserver) ObserveEvent(ctx context.Context, ev *Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.ObserveEvent(ctx, ev)
}

// observerRegistry holds global observers keyed by event type and the
// per-token listeners.
type observerRegistry struct {
	mu        sync.RWMutex
	byType    map[string][]Observer
	listeners map[string]Observer
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		byType:    make(map[string][]Observer),
		listeners: make(map[string]Observer),
	}
}

func (r *observerRegistry) register(o Observer, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = schema.AllEventTypes
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range eventTypes {
		if !slices.Contains(r.byType[t], o) {
			r.byType[t] = append(r.byType[t], o)
		}
	}
}

func (r *observerRegistry) unregister(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, list := range r.byType {
		list = slices.DeleteFunc(slices.Clone(list), func(x Observer) bool { return x == o })
		if len(list) == 0 {
			delete(r.byType, t)
			continue
		}
		r.byType[t] = list
	}
}

func (r *observerRegistry) observers(eventType string) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[eventType]
}

func (r *observerRegistry) listener(tokenID string) Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners[tokenID]
}

func (r *observerRegistry) setListener(tokenID string, o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o == nil {
		delete(r.listeners, tokenID)
		return
	}
	r.listeners[tokenID] = o
}

func (r *observerRegistry) active(eventType, tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byType[eventType]) > 0 {
		return true
	}
	_, ok := r.listeners[tokenID]
	return ok
}

// RegisterObserver attaches o to the given event types, or to every event
// type when none are given.
func (e *engineImpl) RegisterObserver(o Observer, eventTypes ...string) {
	e.observers.register(o, eventTypes...)
}

// UnregisterObserver detaches o from every event type.
func (e *engineImpl) UnregisterObserver(o Observer) {
	e.observers.unregister(o)
}

// SetContextListener attaches a listener that receives every event of one
// token before the global observers. A nil listener removes it.
func (e *engineImpl) SetContextListener(tokenID string, o Observer) {
	e.observers.setListener(tokenID, o)
}

// HasActiveObservers reports whether an event of the given type for tc would
// reach anyone. tc may be nil.
func (e *engineImpl) HasActiveObservers(eventType string, tc *store.TokenContext) bool {
	id := ""
	if tc != nil {
		id = tc.ID
	}
	return e.observers.active(eventType, id)
}

// FireEvent dispatches ev to the token's listener, then to the global
// observers of its type unless ev.SkipGlobal is set.
func (e *engineImpl) FireEvent(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Token != nil {
		ev.TokenID = ev.Token.ID
		ev.State = ev.Token.State
		ev.Request = ev.Token.Request
		if l := e.observers.listener(ev.Token.ID); l != nil {
			l.ObserveEvent(ctx, ev)
		}
	}
	if ev.SkipGlobal {
		return
	}
	for _, o := range e.observers.observers(ev.Type) {
		o.ObserveEvent(ctx, ev)
	}
}

// emit builds and fires an event only when someone listens for it. fill may
// be nil. The fired event is returned, or nil when nobody listened.
func (e *engineImpl) emit(ctx context.Context, eventType string, tc *store.TokenContext, fill func(ev *Event)) *Event {
	if !e.HasActiveObservers(eventType, tc) {
		return nil
	}
	ev := &Event{Type: eventType, Token: tc}
	if fill != nil {
		fill(ev)
	}
	e.FireEvent(ctx, ev)
	return ev
}
