// Package middleware holds the HTTP middleware shared by payments routes.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	IdentityKey      contextKey = "identity"
)

// CorrelationHeader is echoed on every response and carried on published events
const CorrelationHeader = "X-Correlation-ID"

// Identity is the authenticated caller. Subject ends up in requested_by on ledger rows.
type Identity struct {
	Subject string
	Role    string
}

func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(CorrelationIDKey).(string)
	return v
}

func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(IdentityKey).(Identity)
	return v, ok
}

// CorrelationID keeps the caller's correlation id or mints a ULID
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = ulid.Make().String()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), CorrelationIDKey, id)))
	})
}

// Logger logs one line per request. Webhook and API calls share it, so the
// subject is only present for authenticated routes.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", GetCorrelationID(r.Context()),
			}
			if id, ok := GetIdentity(r.Context()); ok {
				attrs = append(attrs, "subject", id.Subject)
			}
			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}

// Recoverer turns a handler panic into a 500 and logs the stack
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"correlation_id", GetCorrelationID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyValidator resolves an API key to the identity it was issued to
type APIKeyValidator func(ctx context.Context, apiKey string) (Identity, error)

// APIKeyAuth accepts "Bearer <key>" or "ApiKey <key>"
func APIKeyAuth(validate APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header")
				return
			}

			scheme, key, ok := strings.Cut(header, " ")
			if !ok || (scheme != "Bearer" && scheme != "ApiKey") || key == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authorization format")
				return
			}

			identity, err := validate(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), IdentityKey, identity)))
		})
	}
}

// RequireRole rejects callers that do not hold role
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := GetIdentity(r.Context()); !ok || id.Role != role {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyStore persists replayable responses keyed by Idempotency-Key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

type storedResponse struct {
	Status      int             `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	Body        json.RawMessage `json:"body"`
}

// IdempotencyHeader names the client-chosen key for a payment command
const IdempotencyHeader = "Idempotency-Key"

// Idempotency replays the first successful response to a POST carrying the
// same Idempotency-Key. Keys are scoped by caller and path. Reusing a key with
// a different body is rejected. Store outages fall through to the handler.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey := r.Header.Get(IdempotencyHeader)
			if r.Method != http.MethodPost || idemKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			subject := ""
			if id, ok := GetIdentity(r.Context()); ok {
				subject = id.Subject
			}
			key := subject + ":" + r.URL.Path + ":" + idemKey
			log := logger.With("idempotency_key", idemKey, "path", r.URL.Path)

			cached, found, err := store.Get(r.Context(), key)
			if err != nil {
				log.Warn("idempotency lookup failed", "error", err)
				found = false
			}
			if found {
				var stored storedResponse
				if err := json.Unmarshal(cached, &stored); err != nil {
					log.Warn("discarding unreadable idempotency entry", "error", err)
				} else if stored.Fingerprint != fingerprint {
					writeError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request")
					return
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(stored.Status)
					_, _ = w.Write(stored.Body)
					return
				}
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 || !json.Valid(rec.body) {
				return
			}
			data, _ := json.Marshal(storedResponse{Status: rec.status, Fingerprint: fingerprint, Body: rec.body})
			if err := store.Set(r.Context(), key, data, ttl); err != nil {
				log.Warn("idempotency store failed", "error", err)
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
