package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amelin/walletgate/internal/handlers/render"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"

	redisOpTimeout = 2 * time.Second
)

type idemLogger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// bufferedWriter holds the response back until the handler finishes,
// so it can be persisted and replayed for duplicate requests
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (w *bufferedWriter) Header() http.Header {
	return w.header
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

func (w *bufferedWriter) WriteHeader(statusCode int) {
	w.status = statusCode
}

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) {
	for header, values := range w.header {
		for _, value := range values {
			dst.Header().Add(header, value)
		}
	}
	dst.WriteHeader(w.status)
	_, _ = dst.Write(w.body.Bytes())
}

// IdempotencyMiddleware enforces idempotent semantics across unsafe HTTP
// methods by persisting responses in Redis keyed by the Idempotency-Key
// header. A duplicate request gets the stored response of the first one
func IdempotencyMiddleware(cache *redis.Client, ttl time.Duration, l idemLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" {
				render.ServiceError(w, "Missing Idempotency-Key header", http.StatusBadRequest)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), redisOpTimeout)
			defer cancel()

			cacheKey := idempotencyPrefix + key

			cached, err := cache.Get(ctx, cacheKey).Result()
			if err == nil {
				if cached == inProgressMarker {
					render.ServiceError(w, "Duplicate request currently processing", http.StatusConflict)
					return
				}

				var stored storedResponse
				if err := json.Unmarshal([]byte(cached), &stored); err != nil {
					l.Warn("Failed to decode stored idempotent response", "key", key, "error", err)
					render.ServiceError(w, "Duplicate request", http.StatusConflict)
					return
				}

				for header, value := range stored.Headers {
					if strings.EqualFold(header, "Content-Length") {
						continue
					}
					w.Header().Set(header, value)
				}
				w.WriteHeader(stored.Status)
				_, _ = w.Write([]byte(stored.Body))
				return
			}

			if err != redis.Nil {
				l.Error("Idempotency lookup failed", "key", key, "error", err)
				render.ServiceError(w, "Idempotency store failure", http.StatusInternalServerError)
				return
			}

			// Only one of the concurrent requests wins the reservation,
			// everyone else is turned away until its response is stored
			reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
			if err != nil {
				l.Error("Idempotency reservation failed", "key", key, "error", err)
				render.ServiceError(w, "Idempotency reservation failure", http.StatusInternalServerError)
				return
			}
			if !reserved {
				render.ServiceError(w, "Duplicate request currently processing", http.StatusConflict)
				return
			}

			buffered := newBufferedWriter()
			next.ServeHTTP(buffered, r)
			buffered.flushTo(w)

			// Server-side failures are not stored: the client may retry the
			// same key and reach the handler again
			if buffered.status >= http.StatusInternalServerError {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
				defer cancel()
				cache.Del(cleanupCtx, cacheKey)
				return
			}

			stored := storedResponse{
				Status:  buffered.status,
				Body:    buffered.body.String(),
				Headers: map[string]string{},
			}
			for header := range buffered.header {
				stored.Headers[header] = buffered.header.Get(header)
			}

			payload, err := json.Marshal(stored)
			if err != nil {
				l.Error("Failed to encode idempotent response", "key", key, "error", err)
				cleanupCtx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
				defer cancel()
				cache.Del(cleanupCtx, cacheKey)
				return
			}

			persistCtx, persistCancel := context.WithTimeout(context.Background(), redisOpTimeout)
			defer persistCancel()

			if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
				l.Error("Failed to persist idempotent response", "key", key, "error", err)
				cache.Del(persistCtx, cacheKey)
			}
		})
	}
}
