// Package observer implements a small fan-out subject where every observer is
// notified independently of the others' failures.
package observer

import (
	"context"
	"fmt"
	"sync"
)

// Observer defines the callback contract for receiving published events of type T.
type Observer[T any] interface {
	Notify(context.Context, T) error
}

// ObserverFunc adapts a standalone function into an Observer.
//
//revive:disable-next-line:exported
type ObserverFunc[T any] func(context.Context, T) error

// Notify executes the wrapped function.
func (f ObserverFunc[T]) Notify(ctx context.Context, evt T) error {
	if f == nil {
		return nil
	}
	return f(ctx, evt)
}

// Namer is implemented by observers that report a stable name in results.
type Namer interface {
	Name() string
}

type named[T any] struct {
	Observer[T]
	name string
}

func (n named[T]) Name() string { return n.name }

// Named attaches a display name to an observer.
func Named[T any](name string, obs Observer[T]) Observer[T] {
	return named[T]{Observer: obs, name: name}
}

// Result is the outcome of notifying one observer.
type Result struct {
	Name string
	Err  error
}

// Publisher publishes events to downstream observers.
type Publisher[T any] interface {
	Publish(context.Context, T) []Result
}

// Subject coordinates observer registrations and event fan-out.
type Subject[T any] struct {
	mu        sync.RWMutex
	observers []Observer[T]
	onError   func(Result)
}

// NewSubject constructs a Subject with optional initial observers.
func NewSubject[T any](observers ...Observer[T]) *Subject[T] {
	s := &Subject[T]{}
	s.Attach(observers...)
	return s
}

// Publish invokes every observer with the provided event and reports each outcome in
// registration order. A failing or panicking observer does not prevent the others
// from running.
func (s *Subject[T]) Publish(ctx context.Context, evt T) []Result {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	observers := append([]Observer[T](nil), s.observers...)
	errHandler := s.onError
	s.mu.RUnlock()

	results := make([]Result, 0, len(observers))
	for i, obs := range observers {
		res := Result{Name: nameOf(i, obs), Err: notify(ctx, obs, evt)}
		if res.Err != nil && errHandler != nil {
			errHandler(res)
		}
		results = append(results, res)
	}
	return results
}

func notify[T any](ctx context.Context, obs Observer[T], evt T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs.Notify(ctx, evt)
}

func nameOf[T any](i int, obs Observer[T]) string {
	if n, ok := obs.(Namer); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("observer[%d]", i)
}

// Attach registers additional observers to the subject. Nil observers are skipped.
func (s *Subject[T]) Attach(observers ...Observer[T]) {
	if s == nil || len(observers) == 0 {
		return
	}
	s.mu.Lock()
	for _, obs := range observers {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
	s.mu.Unlock()
}

// Len returns the number of registered observers.
func (s *Subject[T]) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// SetErrorHandler configures a callback for observer failures.
func (s *Subject[T]) SetErrorHandler(fn func(Result)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}
