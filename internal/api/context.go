/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package api

import (
	"context"

	"github.com/tracevault/tracevault/internal/logging"
)

type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyRequestID
)

// NewContextWithLogger creates a new context with logger.
func NewContextWithLogger(ctx context.Context, logger logging.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext extracts logger from the context, or nil when absent.
func GetLoggerFromContext(ctx context.Context) logging.FieldLogger {
	logger, _ := ctx.Value(ctxKeyLogger).(logging.FieldLogger)
	return logger
}

// NewContextWithRequestID creates a new context with request id.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext extracts request id from the context.
func GetRequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(ctxKeyRequestID).(string)
	return requestID
}
