// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a service name or an
	// (event type, listener name) pair is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")
)

// Service is a named component with an explicit lifecycle. Start must
// return once the service is running; Stop must return once it has
// quiesced. Both may be called at most once each by the Registry.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Event is delivered to listeners registered for its type.
type Event struct {
	Type string
	Data map[string]any
}

// ListenerFunc handles one event. The context is the one passed to
// Emit for synchronous listeners; asynchronous listeners receive a
// context detached from the emitter's cancellation.
type ListenerFunc func(ctx context.Context, event Event)

// Listener pairs a handler with its dispatch mode. Use Sync or Async
// to construct one.
type Listener struct {
	fn    ListenerFunc
	async bool
}

// Sync wraps fn as a listener invoked inline by Emit.
func Sync(fn ListenerFunc) Listener { return Listener{fn: fn} }

// Async wraps fn as a listener scheduled on the registry's worker
// pool. Emit does not wait for it.
func Async(fn ListenerFunc) Listener { return Listener{fn: fn, async: true} }

type entry struct {
	name    string
	service Service
	active  bool
}

type registeredListener struct {
	name     string
	listener Listener
}

type asyncJob struct {
	fn    ListenerFunc
	event Event
}

// RegistryConfig configures a Registry. The zero value is usable.
type RegistryConfig struct {
	// Workers is the size of the pool running asynchronous
	// listeners. Defaults to 4.
	Workers int

	// QueueDepth bounds pending asynchronous dispatches. When the
	// queue is full further async listeners are dropped and logged
	// rather than blocking the emitter. Defaults to 64.
	QueueDepth int

	Logger *slog.Logger
}

// Registry holds named services and event listeners. A single mutex
// guards all maps; StartAll and StopAll snapshot under the lock and
// run service lifecycles outside it, so a slow Start cannot block
// unrelated registrations.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	listeners map[string][]registeredListener

	jobs     chan asyncJob
	workerWG sync.WaitGroup
	shutdown sync.Once
}

// NewRegistry creates a Registry and starts its async worker pool.
func NewRegistry(config RegistryConfig) *Registry {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 64
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	registry := &Registry{
		logger:    config.Logger,
		entries:   make(map[string]*entry),
		listeners: make(map[string][]registeredListener),
		jobs:      make(chan asyncJob, config.QueueDepth),
	}
	for i := 0; i < config.Workers; i++ {
		registry.workerWG.Add(1)
		go registry.worker()
	}
	return registry
}

func (r *Registry) worker() {
	defer r.workerWG.Done()
	for job := range r.jobs {
		r.invoke(context.Background(), job.fn, job.event)
	}
}

// invoke runs one listener, converting a panic into a log line.
func (r *Registry) invoke(ctx context.Context, fn ListenerFunc, event Event) (ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok = false
			r.logger.Error("event listener panicked",
				"event_type", event.Type,
				"panic", fmt.Sprint(recovered))
		}
	}()
	fn(ctx, event)
	return true
}

// Register adds a service under its own name. Names are unique and
// registrations are permanent for the registry's lifetime.
func (r *Registry) Register(service Service) error {
	name := service.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("service %q: %w", name, ErrAlreadyRegistered)
	}
	r.entries[name] = &entry{name: name, service: service}
	r.order = append(r.order, name)
	return nil
}

// Get returns the service registered under name.
func (r *Registry) Get(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.service, true
}

// Active reports whether the named service started successfully and
// has not yet been stopped.
func (r *Registry) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return ok && e.active
}

// RegisterListener subscribes a named listener to an event type. The
// name deduplicates registrations: a second listener under the same
// (event type, name) pair is rejected.
func (r *Registry) RegisterListener(eventType, name string, listener Listener) error {
	if listener.fn == nil {
		return errors.New("nil listener")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners[eventType] {
		if existing.name == name {
			return fmt.Errorf("listener %q for %q: %w", name, eventType, ErrAlreadyRegistered)
		}
	}
	r.listeners[eventType] = append(r.listeners[eventType], registeredListener{
		name:     name,
		listener: listener,
	})
	return nil
}

// Emit delivers an event to every listener registered for its type
// and returns the number of successful deliveries. Synchronous
// listeners run inline; a panic excludes that listener from the count
// but does not stop the others. Asynchronous listeners count as
// delivered once scheduled; if the worker queue is full the dispatch
// is dropped and logged.
func (r *Registry) Emit(ctx context.Context, eventType string, data map[string]any) int {
	r.mu.Lock()
	targets := make([]registeredListener, len(r.listeners[eventType]))
	copy(targets, r.listeners[eventType])
	r.mu.Unlock()

	event := Event{Type: eventType, Data: data}
	count := 0
	for _, target := range targets {
		if target.listener.async {
			select {
			case r.jobs <- asyncJob{fn: target.listener.fn, event: event}:
				count++
			default:
				r.logger.Warn("async listener queue full, dropping event",
					"event_type", eventType,
					"listener", target.name)
			}
			continue
		}
		if r.invoke(ctx, target.listener.fn, event) {
			count++
		}
	}
	return count
}

// StartAll starts every registered service in registration order and
// reports per-service success. A failed or panicking Start is logged
// and recorded as false; the remaining services still start.
func (r *Registry) StartAll(ctx context.Context) map[string]bool {
	return r.lifecycle(ctx, false)
}

// StopAll stops every registered service in reverse registration
// order with the same per-service isolation as StartAll. Services
// that were never started successfully are skipped and reported as
// true.
func (r *Registry) StopAll(ctx context.Context) map[string]bool {
	return r.lifecycle(ctx, true)
}

func (r *Registry) lifecycle(ctx context.Context, stopping bool) map[string]bool {
	r.mu.Lock()
	snapshot := make([]*entry, 0, len(r.order))
	if stopping {
		for i := len(r.order) - 1; i >= 0; i-- {
			snapshot = append(snapshot, r.entries[r.order[i]])
		}
	} else {
		for _, name := range r.order {
			snapshot = append(snapshot, r.entries[name])
		}
	}
	r.mu.Unlock()

	results := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		if stopping && !r.Active(e.name) {
			results[e.name] = true
			continue
		}
		err := r.runLifecycle(ctx, e.service, stopping)
		ok := err == nil
		results[e.name] = ok
		if !ok {
			verb := "start"
			if stopping {
				verb = "stop"
			}
			r.logger.Error("service lifecycle failed",
				"service", e.name,
				"operation", verb,
				"error", err)
		}
		r.mu.Lock()
		e.active = ok && !stopping
		r.mu.Unlock()
	}
	return results
}

// runLifecycle calls Start or Stop with panic containment.
func (r *Registry) runLifecycle(ctx context.Context, service Service, stopping bool) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	if stopping {
		return service.Stop(ctx)
	}
	return service.Start(ctx)
}

// Shutdown drains the async listener pool. Emit must not be called
// after Shutdown.
func (r *Registry) Shutdown() {
	r.shutdown.Do(func() {
		close(r.jobs)
		r.workerWG.Wait()
	})
}
