/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/rs/xid"

	"github.com/tracevault/tracevault/internal/logging"
	"github.com/tracevault/tracevault/internal/restapi"
)

const headerRequestID = "X-Request-ID"

// RequestID is a middleware that reads the value of the X-Request-ID request
// header and generates a new one if it's empty. The id is put into the
// request's context and returned in the response header.
func RequestID() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = xid.New().String()
			}
			rw.Header().Set(headerRequestID, requestID)
			next.ServeHTTP(rw, r.WithContext(NewContextWithRequestID(r.Context(), requestID)))
		})
	}
}

// responseWriterWrapper captures the response status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriterWrapper) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Logging is a middleware that puts a request-scoped logger into the context
// and logs every served request with its status and duration.
func Logging(logger logging.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With(
				logging.String("request_id", GetRequestIDFromContext(r.Context())),
				logging.String("method", r.Method),
				logging.String("uri", r.URL.RequestURI()),
			)
			wrapped := &responseWriterWrapper{ResponseWriter: rw}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(NewContextWithLogger(r.Context(), reqLogger)))
			reqLogger.Info("request handled",
				logging.Int("status", wrapped.status),
				logging.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

const recoveryStackSize = 8192

// Recovery is a middleware that recovers from panics, logs the panic value
// and a stacktrace, and returns a 500 response.
func Recovery() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger := GetLoggerFromContext(r.Context())
					if logger != nil {
						stack := make([]byte, recoveryStackSize)
						stack = stack[:runtime.Stack(stack, false)]
						logger.Error(fmt.Sprintf("Panic: %+v", p), logging.String("stack", string(stack)))
					}
					restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
						errorResponse{Success: false, Error: "Internal server error"}, logger)
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// CORS is a middleware that sets permissive cross-origin headers on every
// response and answers preflight requests with 200.
func CORS() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			h := rw.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				rw.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// RequestBodyLimit is a middleware that limits the size of request bodies.
func RequestBodyLimit(maxSizeBytes uint64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if r.ContentLength > int64(maxSizeBytes) {
				restapi.RespondCodeAndJSON(rw, http.StatusRequestEntityTooLarge, errorResponse{
					Success: false,
					Error:   fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxSizeBytes)),
				}, GetLoggerFromContext(r.Context()))
				return
			}
			r.Body = http.MaxBytesReader(rw, r.Body, int64(maxSizeBytes))
			next.ServeHTTP(rw, r)
		})
	}
}
