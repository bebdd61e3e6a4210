// Package http is the thin HTTP adapter over the ingestion pipeline: uploads
// with progress tracking, dataset extracts, downloads in any export format and
// task split images.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// Dataset is the record created for a failed conversion.
	Dataset *DatasetView `json:"dataset,omitempty"`
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RequestIDMiddleware reuses the caller's X-Request-ID or mints one, echoes
// it back and stores it on the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RecoveryMiddleware turns a handler panic into a logged 500.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			id := GetRequestID(r.Context())
			log.Printf("http: panic in %s %s (request %s): %v\n%s", r.Method, r.URL.Path, id, v, debug.Stack())
			writeError(w, http.StatusInternalServerError, "internal server error", id)
		}()
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs one line per request with its status, size and
// duration. Progress polls are not logged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/progress" {
			return
		}
		log.Printf("http: %s %s %d %dB %s (request %s)", r.Method, r.URL.Path, sw.status, sw.written,
			time.Since(start).Round(time.Millisecond), GetRequestID(r.Context()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Chain applies mws so that the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// DefaultMiddleware returns the chain every route is served through.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return Chain(h, RequestIDMiddleware, RecoveryMiddleware, LoggingMiddleware)
	}
}

func writeError(w http.ResponseWriter, status int, message string, requestID string) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: failed to encode response: %v", err)
	}
}

// GetRequestID returns the id stored by RequestIDMiddleware, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
