package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/cache"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit counts requests per API key in fixed one-minute windows shared
// through Redis. While Redis is unavailable each instance enforces the same
// budget locally with a token bucket per key.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, local: make(map[string]*rate.Limiter)}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), rateWindow)
		if err != nil {
			slog.WarnContext(r.Context(), "shared rate limit unavailable, limiting locally",
				"key_prefix", prefix, "error", err)
			if !rl.localLimiter(prefix).Allow() {
				rl.reject(w)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			rl.reject(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimit) reject(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
	response.Error(w, http.StatusTooManyRequests,
		"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
}

// localLimiter returns the per-key fallback bucket: the full minute's budget
// as burst, refilled evenly over the window.
func (rl *RateLimit) localLimiter(prefix string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.local[prefix]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(rl.requestsPerMin)/rateWindow.Seconds()), rl.requestsPerMin)
		rl.local[prefix] = l
	}
	return l
}
