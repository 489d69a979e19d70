/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package limiter implements multi-tier admission control over a fixed time
// window. All window state is owned by a single actor goroutine and persisted
// to a durable state store after every mutation, so it survives restarts.
//
// The algorithm is fixed-window: counters reset to zero when the window
// expires and never decrement within it. Burst traffic at a window boundary
// can admit up to twice the nominal rate across the boundary; that is a
// documented property of the algorithm, not a bug.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/tracevault/tracevault/internal/event"
)

// UndefinedKey is the catch-all accounting key for admission requests that
// arrive without a system or trace id. Such requests are accounted, not
// rejected.
const UndefinedKey = "undefined"

// Default limits per window.
const (
	DefaultGlobalLimit   = 1000
	DefaultPerTraceLimit = 100
	DefaultWindow        = time.Hour
)

// Config is the static, process-wide rate limiting configuration.
// It is never mutated at runtime.
type Config struct {
	GlobalLimit   int            `mapstructure:"globalLimit" yaml:"globalLimit" json:"global_limit"`
	SystemQuotas  map[string]int `mapstructure:"systemQuotas" yaml:"systemQuotas" json:"system_quotas"`
	PerTraceLimit int            `mapstructure:"perTraceLimit" yaml:"perTraceLimit" json:"per_trace_limit"`
	Window        time.Duration  `mapstructure:"window" yaml:"window" json:"-"`
	WindowMS      int64          `mapstructure:"-" yaml:"-" json:"window_ms"`
}

// NewDefaultConfig creates a Config with the default quotas: per-system caps
// sum to the global cap.
func NewDefaultConfig() Config {
	return Config{
		GlobalLimit: DefaultGlobalLimit,
		SystemQuotas: map[string]int{
			string(event.SystemBrowser): 400,
			string(event.SystemConvex):  300,
			string(event.SystemWorker):  300,
		},
		PerTraceLimit: DefaultPerTraceLimit,
		Window:        DefaultWindow,
	}
}

func (c Config) windowMS() int64 {
	return c.Window.Milliseconds()
}

// systemQuota returns the per-system cap for the given accounting key.
// Systems without a configured quota (including the undefined bucket) are
// capped only by the global limit.
func (c Config) systemQuota(system string) int {
	if q, ok := c.SystemQuotas[system]; ok {
		return q
	}
	return c.GlobalLimit
}

// quotaSum returns the sum of all configured per-system quotas.
func (c Config) quotaSum() int {
	sum := 0
	for _, q := range c.SystemQuotas {
		sum += q
	}
	return sum
}

// State is the mutable window state owned exclusively by the actor.
// It is serialized as a single JSON blob for persistence.
type State struct {
	GlobalCurrent int            `json:"global_current"`
	SystemCurrent map[string]int `json:"system_current"`
	TraceCounts   map[string]int `json:"trace_counts"`
	WindowStart   int64          `json:"window_start"`
}

// NewState creates an all-zero State with the given window start.
func NewState(windowStart int64) *State {
	return &State{
		SystemCurrent: make(map[string]int),
		TraceCounts:   make(map[string]int),
		WindowStart:   windowStart,
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		GlobalCurrent: s.GlobalCurrent,
		SystemCurrent: make(map[string]int, len(s.SystemCurrent)),
		TraceCounts:   make(map[string]int, len(s.TraceCounts)),
		WindowStart:   s.WindowStart,
	}
	for k, v := range s.SystemCurrent {
		c.SystemCurrent[k] = v
	}
	for k, v := range s.TraceCounts {
		c.TraceCounts[k] = v
	}
	return c
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	RemainingQuota int    `json:"remaining_quota"`
}

// Status is a read-only snapshot of the limiter for observability.
type Status struct {
	Config            Config `json:"config"`
	CurrentState      *State `json:"current_state"`
	WindowRemainingMS int64  `json:"window_remaining_ms"`
}

// StateStore persists the window state blob. The actor is the only writer of
// a given state cell; implementations do not need to provide any locking.
type StateStore interface {
	// Load returns the persisted state, or nil when none has been saved yet.
	Load(ctx context.Context) (*State, error)
	// Save persists the state, replacing any previous value.
	Save(ctx context.Context, state *State) error
}

// InMemoryStateStore is a StateStore keeping the state in memory.
// It is used in tests and in single-process setups without a durable backend.
type InMemoryStateStore struct {
	mu    sync.Mutex
	state *State
}

// NewInMemoryStateStore creates a new InMemoryStateStore.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{}
}

// Load returns the last saved state, or nil if Save was never called.
func (s *InMemoryStateStore) Load(_ context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	return s.state.Clone(), nil
}

// Save stores a copy of the state.
func (s *InMemoryStateStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	return nil
}
