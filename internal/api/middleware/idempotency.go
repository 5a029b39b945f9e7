package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPrefix = "idempotency:"
	lockTTL           = 10 * time.Second
	processingMarker  = "PROCESSING"
)

// Store is the part of the Redis client the idempotency middleware needs.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Idempotency short-circuits repeated state-changing requests that carry the same
// Idempotency-Key header. The first request locks the key, a successful response is kept
// for ttl and replayed inside a 409; a failed one releases the key so the client can retry.
func Idempotency(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := idempotencyPrefix + key
			ctx := r.Context()

			val, err := store.Get(ctx, idemKey).Result()
			switch {
			case err == nil && val == processingMarker:
				writeConflict(w, `{"error":"concurrent request"}`)
				return
			case err == nil:
				w.Header().Set("X-Idempotency-Hit", "true")
				writeConflict(w, fmt.Sprintf(`{"error":"request already processed","original_response":%s}`, val))
				return
			case !errors.Is(err, redis.Nil):
				// Redis unavailable: serve without the guard.
				next.ServeHTTP(w, r)
				return
			}

			acquired, err := store.SetNX(ctx, idemKey, processingMarker, lockTTL).Result()
			if err != nil || !acquired {
				writeConflict(w, `{"error":"concurrent request"}`)
				return
			}

			var body bytes.Buffer
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)

			next.ServeHTTP(ww, r)

			if ww.Status() >= http.StatusBadRequest || body.Len() == 0 {
				store.Del(ctx, idemKey)
				return
			}
			store.Set(ctx, idemKey, bytes.TrimSpace(body.Bytes()), ttl)
		})
	}
}

func writeConflict(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	w.Write([]byte(body))
}
