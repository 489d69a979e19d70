/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// DefaultNoiseMarkers is the list of substrings that mark an event as
// development/runtime noise. A matching event is accepted but never
// rate-limited or persisted.
var DefaultNoiseMarkers = []string{
	"[hmr]",
	"hot module replacement",
	"hot-update",
	"webpack-internal",
	"webpack_dev_server",
	"[vite]",
	"vite:",
	"sockjs-node",
	"devtools",
	"react devtools",
	"download the react devtools",
	"non-error promise rejection captured",
	"unhandled promise rejection: undefined",
	"worker has been terminated",
	"terminating worker",
}

// Suppressor decides whether an event message is known noise. Matching is a
// case-insensitive substring search over a fixed marker list.
type Suppressor struct {
	matcher *ahocorasick.Matcher
}

// NewSuppressor creates a Suppressor with the default noise markers.
func NewSuppressor() *Suppressor {
	return NewSuppressorWithMarkers(DefaultNoiseMarkers)
}

// NewSuppressorWithMarkers creates a Suppressor with a custom marker list.
func NewSuppressorWithMarkers(markers []string) *Suppressor {
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		lowered = append(lowered, strings.ToLower(m))
	}
	return &Suppressor{matcher: ahocorasick.NewStringMatcher(lowered)}
}

// ShouldSuppress reports whether msg contains any noise marker.
func (s *Suppressor) ShouldSuppress(msg string) bool {
	return s.matcher.Contains([]byte(strings.ToLower(msg)))
}
