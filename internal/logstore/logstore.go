/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logstore persists processed log entries in the key-value backend,
// one list per trace id, bounded by a TTL.
package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tracevault/tracevault/internal/event"
	"github.com/tracevault/tracevault/internal/kvstore"
	"github.com/tracevault/tracevault/internal/logging"
)

// KeyPrefix is the key namespace for per-trace log lists.
const KeyPrefix = "logs:"

// EntryTTLSeconds is the expiry set on every trace list after a write.
const EntryTTLSeconds = 3600

// listCandidateCap bounds the fan-out of ListRecentTraces.
const listCandidateCap = 50

// sampleSize is the number of newest entries inspected per trace when
// building a trace summary.
const sampleSize = 10

// MalformedEntryError is returned when a stored list member cannot be parsed
// back into an entry. Retrieval fails as a whole in that case: a partially
// reconstructed trace is worse than an explicit error.
type MalformedEntryError struct {
	TraceID string
	Index   int
	Err     error
}

// Error returns a string representation of MalformedEntryError.
func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed stored entry %d for trace %q: %s", e.Index, e.TraceID, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *MalformedEntryError) Unwrap() error {
	return e.Err
}

// TraceSummary is a dashboard aggregate for one recently active trace.
type TraceSummary struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	LogCount  int64    `json:"logCount"`
	Systems   []string `json:"systems"`
	HasErrors bool     `json:"hasErrors"`
}

// Store provides pipelined, TTL-bounded access to persisted log entries.
type Store struct {
	client *kvstore.Client
	logger logging.FieldLogger
}

// New creates a Store over the given backend client.
func New(client *kvstore.Client, logger logging.FieldLogger) *Store {
	return &Store{client: client, logger: logger}
}

func traceKey(traceID string) string {
	return KeyPrefix + traceID
}

// Store appends the entry to its trace list and refreshes the list's expiry,
// as one atomic pipeline. Newest entries are prepended: callers needing
// chronological order must sort by timestamp after retrieval.
func (s *Store) Store(ctx context.Context, entry event.StoredLogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	key := traceKey(entry.TraceID)
	_, err = s.client.Pipeline(ctx, []kvstore.Command{
		kvstore.Cmd("LPUSH", key, string(raw)),
		kvstore.Cmd("EXPIRE", key, EntryTTLSeconds),
	})
	if err != nil {
		return fmt.Errorf("store entry for trace %q: %w", entry.TraceID, err)
	}
	return nil
}

// FetchByTrace returns all stored entries for the trace in storage order
// (newest first). A single malformed member fails the whole call.
func (s *Store) FetchByTrace(ctx context.Context, traceID string) ([]event.StoredLogEntry, error) {
	res, err := s.client.Do(ctx, "LRANGE", traceKey(traceID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("fetch trace %q: %w", traceID, err)
	}
	members, err := res.StrSlice()
	if err != nil {
		return nil, fmt.Errorf("fetch trace %q: %w", traceID, err)
	}
	entries := make([]event.StoredLogEntry, 0, len(members))
	for i, member := range members {
		var entry event.StoredLogEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, &MalformedEntryError{TraceID: traceID, Index: i, Err: err}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ClearAll deletes every key in the log namespace in one pipeline and returns
// the number of keys actually removed. Keys that disappeared concurrently are
// tolerated.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	res, err := s.client.Do(ctx, "KEYS", KeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("list log keys: %w", err)
	}
	keys, err := res.StrSlice()
	if err != nil {
		return 0, fmt.Errorf("list log keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	cmds := make([]kvstore.Command, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, kvstore.Cmd("DEL", key))
	}
	results, err := s.client.Pipeline(ctx, cmds)
	if err != nil {
		return 0, fmt.Errorf("delete log keys: %w", err)
	}
	deleted := 0
	for _, r := range results {
		n, err := r.Int()
		if err != nil {
			return deleted, fmt.Errorf("decode delete result: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// ClearByTrace deletes one trace list and reports whether the key existed.
func (s *Store) ClearByTrace(ctx context.Context, traceID string) (bool, error) {
	res, err := s.client.Do(ctx, "DEL", traceKey(traceID))
	if err != nil {
		return false, fmt.Errorf("delete trace %q: %w", traceID, err)
	}
	n, err := res.Int()
	if err != nil {
		return false, fmt.Errorf("decode delete result: %w", err)
	}
	return n > 0, nil
}

// ListRecentTraces builds best-effort summaries for the most recently active
// traces. Per-candidate failures drop that candidate rather than failing the
// whole call: this is a dashboard aggregate, not a source of truth.
func (s *Store) ListRecentTraces(ctx context.Context, limit int) ([]TraceSummary, error) {
	res, err := s.client.Do(ctx, "KEYS", KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list log keys: %w", err)
	}
	keys, err := res.StrSlice()
	if err != nil {
		return nil, fmt.Errorf("list log keys: %w", err)
	}

	candidateCap := 2 * limit
	if candidateCap > listCandidateCap {
		candidateCap = listCandidateCap
	}
	if len(keys) > candidateCap {
		keys = keys[:candidateCap]
	}

	summaries := make([]*TraceSummary, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			summary, err := s.summarizeTrace(ctx, key)
			if err != nil {
				s.logger.Warn("failed to summarize trace, dropping candidate",
					logging.String("key", key), logging.Error(err))
				return
			}
			summaries[i] = summary
		}(i, key)
	}
	wg.Wait()

	out := make([]TraceSummary, 0, len(summaries))
	for _, sm := range summaries {
		if sm != nil {
			out = append(out, *sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) summarizeTrace(ctx context.Context, key string) (*TraceSummary, error) {
	results, err := s.client.Pipeline(ctx, []kvstore.Command{
		kvstore.Cmd("LRANGE", key, 0, sampleSize-1),
		kvstore.Cmd("LLEN", key),
	})
	if err != nil {
		return nil, err
	}
	members, err := results[0].StrSlice()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("trace list %q is empty", key)
	}
	length, err := results[1].Int()
	if err != nil {
		return nil, err
	}

	traceID := key[len(KeyPrefix):]
	summary := &TraceSummary{ID: traceID, LogCount: length}
	systems := make(map[string]struct{})
	for i, member := range members {
		var entry event.StoredLogEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, &MalformedEntryError{TraceID: traceID, Index: i, Err: err}
		}
		if i == 0 {
			// Newest entry is at the head of the list.
			summary.Timestamp = entry.Timestamp
		}
		if entry.System != "" {
			systems[string(entry.System)] = struct{}{}
		}
		if entry.Level == event.LevelError {
			summary.HasErrors = true
		}
	}
	summary.Systems = make([]string, 0, len(systems))
	for system := range systems {
		summary.Systems = append(summary.Systems, system)
	}
	sort.Strings(summary.Systems)
	return summary, nil
}

// HealthCheck probes the backend with a liveness command. Any error or an
// unexpected reply yields false; it never propagates a failure.
func (s *Store) HealthCheck(ctx context.Context) bool {
	res, err := s.client.Do(ctx, "PING")
	if err != nil {
		return false
	}
	reply, err := res.Str()
	if err != nil {
		return false
	}
	return reply == "PONG"
}
