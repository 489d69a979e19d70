/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"
	"strings"

	"github.com/tracevault/tracevault/internal/event"
)

// Classifier infers the producer system of an event from request metadata.
// Inference is deterministic and priority-ordered; an explicit system on the
// inbound event always overrides it (the router's responsibility).
type Classifier struct{}

// NewClassifier creates a new Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

var browserOriginMarkers = []string{"localhost", "127.0.0.1", "[::1]", "0.0.0.0"}

var workerAgentMarkers = []string{"cloudflare-worker", "workerd", "edge-runtime", "worker"}

var convexAgentMarkers = []string{"convex"}

var convexOriginMarkers = []string{"convex.cloud", "convex.site"}

// Classify returns the inferred producer system for a request with the given
// headers, falling back to SystemManual when nothing matches.
func (c *Classifier) Classify(hdr http.Header) event.System {
	origin := strings.ToLower(hdr.Get("Origin"))
	referer := strings.ToLower(hdr.Get("Referer"))
	userAgent := strings.ToLower(hdr.Get("User-Agent"))

	for _, m := range browserOriginMarkers {
		if strings.Contains(origin, m) || strings.Contains(referer, m) {
			return event.SystemBrowser
		}
	}
	for _, m := range workerAgentMarkers {
		if strings.Contains(userAgent, m) {
			return event.SystemWorker
		}
	}
	for _, m := range convexAgentMarkers {
		if strings.Contains(userAgent, m) {
			return event.SystemConvex
		}
	}
	for _, m := range convexOriginMarkers {
		if strings.Contains(origin, m) {
			return event.SystemConvex
		}
	}
	return event.SystemManual
}
