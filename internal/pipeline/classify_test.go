/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracevault/tracevault/internal/event"
)

func TestClassifierClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		hdr  http.Header
		want event.System
	}{
		{
			name: "localhost origin means browser",
			hdr:  http.Header{"Origin": {"http://localhost:3000"}},
			want: event.SystemBrowser,
		},
		{
			name: "loopback referer means browser",
			hdr:  http.Header{"Referer": {"http://127.0.0.1:5173/app"}},
			want: event.SystemBrowser,
		},
		{
			name: "workerd user agent means worker",
			hdr:  http.Header{"User-Agent": {"workerd/1.20240101.0"}},
			want: event.SystemWorker,
		},
		{
			name: "edge runtime user agent means worker",
			hdr:  http.Header{"User-Agent": {"Vercel-Edge-Runtime/2.0"}},
			want: event.SystemWorker,
		},
		{
			name: "convex user agent means convex",
			hdr:  http.Header{"User-Agent": {"Convex/1.9 (actions runtime)"}},
			want: event.SystemConvex,
		},
		{
			name: "convex origin means convex",
			hdr:  http.Header{"Origin": {"https://happy-animal-123.convex.cloud"}},
			want: event.SystemConvex,
		},
		{
			name: "browser wins over worker tokens",
			hdr: http.Header{
				"Origin":     {"http://localhost:8080"},
				"User-Agent": {"workerd/1.0"},
			},
			want: event.SystemBrowser,
		},
		{
			name: "worker wins over convex tokens",
			hdr: http.Header{
				"User-Agent": {"convex-worker/1.0"},
			},
			want: event.SystemWorker,
		},
		{
			name: "no markers means manual",
			hdr:  http.Header{"User-Agent": {"curl/8.4.0"}},
			want: event.SystemManual,
		},
		{
			name: "empty headers mean manual",
			hdr:  http.Header{},
			want: event.SystemManual,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.Classify(tt.hdr))
		})
	}
}
