/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package event

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLevelValid(t *testing.T) {
	for _, l := range []Level{LevelLog, LevelInfo, LevelWarn, LevelError} {
		require.True(t, l.Valid(), "level %q", l)
	}
	for _, l := range []Level{"", "debug", "LOG", "fatal"} {
		require.False(t, l.Valid(), "level %q", l)
	}
}

func TestSystemValid(t *testing.T) {
	for _, s := range Systems() {
		require.True(t, s.Valid(), "system %q", s)
	}
	for _, s := range []System{"", "server", "Browser"} {
		require.False(t, s.Valid(), "system %q", s)
	}
}

func TestSequencerNextID(t *testing.T) {
	seq := NewSequencer()
	idRe := regexp.MustCompile(`^\d+_[0-9a-z]{9}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := seq.NextID(seq.NextTimestamp())
		require.Regexp(t, idRe, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
	}
}

func TestSequencerMonotonicTimestamps(t *testing.T) {
	times := []time.Time{
		time.UnixMilli(5000),
		time.UnixMilli(6000),
		time.UnixMilli(4000), // wall clock stepped back
		time.UnixMilli(6001),
	}
	i := 0
	seq := NewSequencerWithNow(func() time.Time {
		ts := times[i]
		i++
		return ts
	})

	var got []int64
	for range times {
		got = append(got, seq.NextTimestamp())
	}
	require.Equal(t, []int64{5000, 6000, 6000, 6001}, got)
}

func TestNewStoredEntry(t *testing.T) {
	seq := NewSequencerWithNow(func() time.Time { return time.UnixMilli(1234) })
	entry := seq.NewStoredEntry(LogEvent{TraceID: "t1", Message: "hi", Level: LevelInfo})
	require.Equal(t, int64(1234), entry.Timestamp)
	require.Regexp(t, `^1234_[0-9a-z]{9}$`, entry.ID)
	require.Equal(t, "t1", entry.TraceID)
}
