// Package delivery fans finalized metrics out to independent destinations.
package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/pkg/observer"
)

// Destination receives a finalized delivery.
type Destination = observer.Observer[domain.Delivery]

// Func adapts a plain function, e.g. a completion callback, to a Destination.
type Func = observer.ObserverFunc[domain.Delivery]

// Named gives a destination the name used in reports and errors.
func Named(name string, d Destination) Destination {
	return observer.Named[domain.Delivery](name, d)
}

// Callback wraps a caller-supplied completion handler.
func Callback(name string, fn func(context.Context, domain.Delivery) error) Destination {
	return Named(name, Func(fn))
}

// Outcome is the result of a single destination.
type Outcome struct {
	Destination string
	Err         error
}

// Report lists per-destination outcomes in registration order.
type Report struct {
	Outcomes []Outcome
}

// Err joins every failure as *domain.DeliveryError, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, &domain.DeliveryError{Destination: o.Destination, Err: o.Err})
		}
	}
	return errors.Join(errs...)
}

// Failed lists the names of failed destinations.
func (r Report) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o.Destination)
		}
	}
	return out
}

// Deliver attempts every destination once. A failure of one never prevents the others.
func Deliver(ctx context.Context, d domain.Delivery, dests ...Destination) Report {
	return toReport(observer.NewSubject(dests...).Publish(ctx, d))
}

// Service is a reusable set of destinations.
type Service struct {
	subject *observer.Subject[domain.Delivery]
	logger  *zap.Logger
}

// New returns a Service delivering to dests.
func New(logger *zap.Logger, dests ...Destination) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{subject: observer.NewSubject(dests...), logger: logger}
	s.subject.SetErrorHandler(func(r observer.Result) {
		s.logger.Warn("destination failed", zap.String("destination", r.Name), zap.Error(r.Err))
	})
	return s
}

// Attach adds destinations.
func (s *Service) Attach(dests ...Destination) {
	s.subject.Attach(dests...)
}

// Len returns the number of destinations.
func (s *Service) Len() int {
	return s.subject.Len()
}

// DeliverReport delivers d and returns every outcome.
func (s *Service) DeliverReport(ctx context.Context, d domain.Delivery) Report {
	rep := toReport(s.subject.Publish(ctx, d))
	s.logger.Info("metrics delivered",
		zap.String("session_id", d.SessionID),
		zap.Int("destinations", len(rep.Outcomes)),
		zap.Strings("failed", rep.Failed()),
	)
	return rep
}

// Deliver delivers d and returns the joined failures.
func (s *Service) Deliver(ctx context.Context, d domain.Delivery) error {
	return s.DeliverReport(ctx, d).Err()
}

func toReport(results []observer.Result) Report {
	rep := Report{Outcomes: make([]Outcome, 0, len(results))}
	for _, r := range results {
		rep.Outcomes = append(rep.Outcomes, Outcome{Destination: r.Name, Err: r.Err})
	}
	return rep
}
