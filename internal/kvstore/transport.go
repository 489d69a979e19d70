/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/tracevault/tracevault/internal/logging"
)

// AuthBearerRoundTripper implements http.RoundTripper interface
// and sets Authorization HTTP header in all outgoing requests.
type AuthBearerRoundTripper struct {
	Delegate http.RoundTripper
	Token    string
}

// NewAuthBearerRoundTripper creates a new AuthBearerRoundTripper.
func NewAuthBearerRoundTripper(delegate http.RoundTripper, token string) *AuthBearerRoundTripper {
	return &AuthBearerRoundTripper{Delegate: delegate, Token: token}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *AuthBearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return rt.Delegate.RoundTrip(req)
	}
	req = req.Clone(req.Context()) // Per RoundTripper contract.
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", rt.Token))
	return rt.Delegate.RoundTrip(req)
}

const headerRequestID = "X-Request-ID"

// RequestIDRoundTripper implements http.RoundTripper interface
// and sets X-Request-ID HTTP header in all outgoing requests if it's not set.
type RequestIDRoundTripper struct {
	Delegate http.RoundTripper
}

// NewRequestIDRoundTripper creates a new RequestIDRoundTripper.
func NewRequestIDRoundTripper(delegate http.RoundTripper) *RequestIDRoundTripper {
	return &RequestIDRoundTripper{Delegate: delegate}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *RequestIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(headerRequestID) != "" {
		return rt.Delegate.RoundTrip(req)
	}
	req = req.Clone(req.Context()) // Per RoundTripper contract.
	req.Header.Set(headerRequestID, xid.New().String())
	return rt.Delegate.RoundTrip(req)
}

// LoggingRoundTripper implements http.RoundTripper interface
// and logs every outgoing request at debug level.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Logger   logging.FieldLogger
}

// NewLoggingRoundTripper creates a new LoggingRoundTripper.
func NewLoggingRoundTripper(delegate http.RoundTripper, logger logging.FieldLogger) *LoggingRoundTripper {
	return &LoggingRoundTripper{Delegate: delegate, Logger: logger}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(req)
	elapsed := time.Since(start)
	if err != nil {
		rt.Logger.Error("kv store request failed",
			logging.String("method", req.Method),
			logging.String("url", req.URL.String()),
			logging.Duration("elapsed", elapsed),
			logging.Error(err),
		)
		return resp, err
	}
	rt.Logger.Debug("kv store request",
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", elapsed),
	)
	return resp, nil
}
