/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tracevault/tracevault/internal/logging"
)

// ErrStopped is returned by actor operations after Stop has been called.
var ErrStopped = errors.New("rate limiter actor is stopped")

const persistTimeout = 5 * time.Second

// Actor owns the window state and executes all operations on a single
// goroutine, so a read-modify-write of the state is never interleaved with
// another one. Requests are delivered through a mailbox channel.
type Actor struct {
	cfg    Config
	store  StateStore
	logger logging.FieldLogger
	now    func() time.Time

	mailbox chan func()
	done    chan struct{}

	// state is touched only by the run goroutine after Start.
	state *State
}

// ActorOpts represents options for NewActor.
type ActorOpts struct {
	// Now is an injectable clock, used in tests. Defaults to time.Now.
	Now func() time.Time
	// MailboxSize is the capacity of the request mailbox.
	MailboxSize int
}

const defaultMailboxSize = 64

// NewActor creates and starts a rate limiter actor. Previously persisted
// window state is loaded from the store; when none exists a fresh zero state
// is initialized.
func NewActor(cfg Config, store StateStore, logger logging.FieldLogger) (*Actor, error) {
	return NewActorWithOpts(cfg, store, logger, ActorOpts{})
}

// NewActorWithOpts is a more configurable version of NewActor.
func NewActorWithOpts(cfg Config, store StateStore, logger logging.FieldLogger, opts ActorOpts) (*Actor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}

	loadCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	state, err := store.Load(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("load rate limiter state: %w", err)
	}
	if state == nil {
		state = NewState(opts.Now().UnixMilli())
	}
	if state.SystemCurrent == nil {
		state.SystemCurrent = make(map[string]int)
	}
	if state.TraceCounts == nil {
		state.TraceCounts = make(map[string]int)
	}

	if sum := cfg.quotaSum(); sum > cfg.GlobalLimit {
		logger.Warn("sum of system quotas exceeds global limit",
			logging.Int("quota_sum", sum), logging.Int("global_limit", cfg.GlobalLimit))
	}

	a := &Actor{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		now:     opts.Now,
		mailbox: make(chan func(), opts.MailboxSize),
		done:    make(chan struct{}),
		state:   state,
	}
	go a.run()
	return a, nil
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			// Drain requests enqueued before Stop.
			for {
				select {
				case fn := <-a.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop terminates the actor goroutine. Operations submitted after Stop fail
// with ErrStopped.
func (a *Actor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// submit runs fn on the actor goroutine and waits for it to complete.
func (a *Actor) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		fn()
		close(done)
	}
	// Never enqueue after Stop: the run loop may already be past its drain.
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case a.mailbox <- call:
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		// The run loop drains the mailbox on stop, so the call may still
		// have been executed; prefer its result when it already finished.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Check runs one admission check for the given system and trace id.
// Empty values are accounted under UndefinedKey. Checks are evaluated
// atomically on the actor goroutine in the order: window reset, global cap,
// per-system cap, per-trace cap.
//
// The result travels through a buffered channel: if the caller abandons the
// call (context canceled while the request is queued), the actor goroutine
// still executes it and sends into the buffer, never into memory the caller
// may be reading.
func (a *Actor) Check(ctx context.Context, system, traceID string) (Result, error) {
	resCh := make(chan Result, 1)
	if err := a.submit(ctx, func() { resCh <- a.doCheck(system, traceID) }); err != nil {
		return Result{}, err
	}
	return <-resCh, nil
}

// Reset zeroes all counters and starts a new window. It is an administrative
// operation, not part of the normal traffic flow.
func (a *Actor) Reset(ctx context.Context) error {
	return a.submit(ctx, func() { a.doReset() })
}

// Status returns a read-only snapshot of the limiter configuration and
// current window state.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	stCh := make(chan Status, 1)
	if err := a.submit(ctx, func() { stCh <- a.doStatus() }); err != nil {
		return Status{}, err
	}
	return <-stCh, nil
}

func (a *Actor) doCheck(system, traceID string) Result {
	now := a.now().UnixMilli()
	if now-a.state.WindowStart >= a.cfg.windowMS() {
		a.state = NewState(now)
	}

	if system == "" {
		system = UndefinedKey
	}
	if traceID == "" {
		traceID = UndefinedKey
	}

	if a.state.GlobalCurrent >= a.cfg.GlobalLimit {
		return Result{Allowed: false, Reason: "Global rate limit exceeded", RemainingQuota: 0}
	}

	quota := a.cfg.systemQuota(system)
	if a.state.SystemCurrent[system] >= quota {
		remaining := quota - a.state.SystemCurrent[system]
		if remaining < 0 {
			remaining = 0
		}
		return Result{
			Allowed:        false,
			Reason:         fmt.Sprintf("%s system rate limit exceeded", system),
			RemainingQuota: remaining,
		}
	}

	if a.state.TraceCounts[traceID] >= a.cfg.PerTraceLimit {
		return Result{
			Allowed:        false,
			Reason:         fmt.Sprintf("Per-trace rate limit exceeded for %s", traceID),
			RemainingQuota: 0,
		}
	}

	a.state.GlobalCurrent++
	a.state.SystemCurrent[system]++
	a.state.TraceCounts[traceID]++
	a.persist()

	return Result{Allowed: true, RemainingQuota: quota - a.state.SystemCurrent[system]}
}

func (a *Actor) doReset() {
	a.state = NewState(a.now().UnixMilli())
	a.persist()
}

func (a *Actor) doStatus() Status {
	remaining := a.cfg.windowMS() - (a.now().UnixMilli() - a.state.WindowStart)
	if remaining < 0 {
		remaining = 0
	}
	cfg := a.cfg
	cfg.WindowMS = a.cfg.windowMS()
	return Status{
		Config:            cfg,
		CurrentState:      a.state.Clone(),
		WindowRemainingMS: remaining,
	}
}

// persist saves the state after a mutation. A save failure does not revert
// the decision already taken: the state is reconstructible and admission must
// not become unavailable because of one failed write to the durable cell.
func (a *Actor) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.Save(ctx, a.state); err != nil {
		a.logger.Error("failed to persist rate limiter state", logging.Error(err))
	}
}
