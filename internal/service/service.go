/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package service ties the lifecycle of the process units together: it starts
// them, watches for fatal errors and stops everything on a shutdown signal.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/tracevault/tracevault/internal/logging"
)

// Unit is a component with its own lifecycle within the service.
type Unit interface {
	// Start begins the unit's operation. It may block the calling goroutine
	// for the unit's lifetime. If Start fails, the error is sent to the
	// provided channel; the channel must not be used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start has failed or was
	// never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is an interface for units that register their own metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}

// Service starts a unit and stops it gracefully on an OS signal.
type Service struct {
	Unit    Unit
	Signals chan os.Signal
	Logger  logging.FieldLogger
	Opts    Opts
}

// Opts represents options for Service.
type Opts struct {
	ShutdownSignals []os.Signal
}

// New creates a new Service which will start and stop the passed unit.
func New(logger logging.FieldLogger, unit Unit) *Service {
	return NewWithOpts(logger, unit, Opts{
		ShutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts(logger logging.FieldLogger, unit Unit, opts Opts) *Service {
	return &Service{
		Signals: make(chan os.Signal, 1),
		Unit:    unit,
		Logger:  logger,
		Opts:    opts,
	}
}

// Start wraps StartContext using the background context.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext starts the unit in a separate goroutine and blocks until a
// fatal error occurs, the context is canceled, or a shutdown signal arrives.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	fatalError := make(chan error, 1)

	go s.Unit.Start(fatalError)

	signal.Notify(s.Signals, s.Opts.ShutdownSignals...)

	select {
	case <-ctx.Done():
		s.Logger.Info("context is canceled, service will be stopped")
		if err := s.Unit.Stop(true); err != nil {
			return fmt.Errorf("stop service gracefully: %w", err)
		}
	case err := <-fatalError:
		s.Logger.Error("service fatal error", logging.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	case sig := <-s.Signals:
		s.Logger.Info("service got signal", logging.String("signal", sig.String()))
		if err := s.Unit.Stop(true); err != nil {
			return fmt.Errorf("stop service gracefully: %w", err)
		}
	}

	return nil
}

// CompositeUnit groups several units into one.
type CompositeUnit struct {
	Units []Unit
}

// NewCompositeUnit creates a new composite unit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{units}
}

// Start launches all units concurrently and blocks until every Start returns
// or any unit fails. On failure the other units are stopped (non-gracefully)
// and a CompositeUnitError carrying all collected errors is sent to the
// channel.
func (cu *CompositeUnit) Start(fatalError chan<- error) {
	fatalErrs := make([]chan error, len(cu.Units))
	for i := range fatalErrs {
		fatalErrs[i] = make(chan error, 1)
	}

	ok := make(chan bool, len(cu.Units))
	remaining := int32(len(cu.Units))
	for i := range cu.Units {
		go func(i int) {
			cu.Units[i].Start(fatalErrs[i])
			if len(fatalErrs[i]) != 0 {
				ok <- false
				return
			}
			if atomic.AddInt32(&remaining, -1) == 0 {
				ok <- true
			}
		}(i)
	}

	if <-ok {
		return
	}

	stopErr := cu.Stop(false)

	var errs []error
	for _, ch := range fatalErrs {
		select {
		case err := <-ch:
			errs = append(errs, err)
		default:
		}
	}

	if stopErr != nil {
		var cuErr *CompositeUnitError
		if errors.As(stopErr, &cuErr) {
			errs = append(errs, cuErr.UnitErrors...)
		} else {
			errs = append(errs, stopErr)
		}
	}
	fatalError <- &CompositeUnitError{errs}
}

// Stop stops all units, each in its own goroutine, and collects the errors.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	results := make(chan error, len(cu.Units))

	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for _, unit := range cu.Units {
		go func(u Unit) {
			defer wg.Done()
			results <- u.Stop(gracefully)
		}(unit)
	}
	wg.Wait()
	close(results)

	var errs []error
	for err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CompositeUnitError{errs}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all nested units that have them.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all nested units that have them.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError is an error containing errors of multiple units.
type CompositeUnitError struct {
	UnitErrors []error
}

// Error returns a string representation of CompositeUnitError.
func (e *CompositeUnitError) Error() string {
	msgs := make([]string, 0, len(e.UnitErrors))
	for _, err := range e.UnitErrors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d units errors: %s", len(e.UnitErrors), strings.Join(msgs, "; "))
}
