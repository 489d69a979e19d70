/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package event defines the inbound log event model and the stored entry
// derived from it by the processing pipeline.
package event

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Level represents the severity of a log event.
type Level string

// Supported log levels.
const (
	LevelLog   Level = "log"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is one of the supported log levels.
func (l Level) Valid() bool {
	switch l {
	case LevelLog, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// System represents the producer category of a log event.
type System string

// Known producer systems.
const (
	SystemBrowser System = "browser"
	SystemConvex  System = "convex"
	SystemWorker  System = "worker"
	SystemManual  System = "manual"
)

// Valid reports whether s is one of the known producer systems.
func (s System) Valid() bool {
	switch s {
	case SystemBrowser, SystemConvex, SystemWorker, SystemManual:
		return true
	}
	return false
}

// Systems returns all known producer systems in a fixed order.
func Systems() []System {
	return []System{SystemBrowser, SystemConvex, SystemWorker, SystemManual}
}

// LogEvent is an inbound log event as submitted by a producer.
// TraceID and Message are required; System is inferred from request metadata
// when absent.
type LogEvent struct {
	TraceID string                 `json:"trace_id"`
	Message string                 `json:"message"`
	Level   Level                  `json:"level"`
	System  System                 `json:"system,omitempty"`
	UserID  string                 `json:"user_id,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Stack   string                 `json:"stack,omitempty"`
}

// StoredLogEntry is a processed log event as persisted in the store.
// It is created once by the processing pipeline and immutable thereafter.
type StoredLogEntry struct {
	LogEvent
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

const base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"

// EntryIDSuffixLen is the length of the random suffix in stored entry IDs.
const EntryIDSuffixLen = 9

// Sequencer assigns entry IDs and timestamps. Timestamps are unix
// milliseconds and are monotonically non-decreasing across entries produced
// by one Sequencer even if the wall clock steps backwards.
type Sequencer struct {
	now    func() time.Time
	lastTS atomic.Int64

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewSequencer creates a Sequencer using the system clock.
func NewSequencer() *Sequencer {
	return NewSequencerWithNow(time.Now)
}

// NewSequencerWithNow creates a Sequencer with an injectable clock.
func NewSequencerWithNow(now func() time.Time) *Sequencer {
	return &Sequencer{
		now:  now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextTimestamp returns the current unix-millisecond time, clamped so that it
// never decreases relative to previously returned values.
func (s *Sequencer) NextTimestamp() int64 {
	now := s.now().UnixMilli()
	for {
		last := s.lastTS.Load()
		if now < last {
			now = last
		}
		if s.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

// NextID returns a process-unique entry ID in the form <unix_ms>_<base36 suffix>.
func (s *Sequencer) NextID(ts int64) string {
	suffix := make([]byte, EntryIDSuffixLen)
	s.randMu.Lock()
	for i := range suffix {
		suffix[i] = base36Chars[s.rand.Intn(len(base36Chars))]
	}
	s.randMu.Unlock()
	return fmt.Sprintf("%d_%s", ts, suffix)
}

// NewStoredEntry builds the immutable stored entry for ev, assigning its ID
// and timestamp.
func (s *Sequencer) NewStoredEntry(ev LogEvent) StoredLogEntry {
	ts := s.NextTimestamp()
	return StoredLogEntry{LogEvent: ev, ID: s.NextID(ts), Timestamp: ts}
}
