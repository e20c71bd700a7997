package http

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"recipereader/internal/platform/clock"
)

// RateLimiter throttles extraction submissions per caller. It sits in front
// of the quota gate and only smooths bursts; the quota stays the counter of
// record.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*callerLimiter
}

type callerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter allows perMinute requests per caller with a burst of the
// same size.
func NewRateLimiter(perMinute int, c clock.Clock, logger *slog.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if c == nil {
		c = clock.System{}
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		clock:    c,
		logger:   logger,
		limiters: make(map[string]*callerLimiter),
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastAccess = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Prune forgets callers idle for longer than idle and returns how many.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.clock.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, cl := range rl.limiters {
		if cl.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware keys callers by user, then by session cookie, then by address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded", "caller", key, "path", r.URL.Path)
			rl.writeLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if session := authenticatedSession(r.Context()); session != nil {
		return "user:" + session.User.ID.String()
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return "session:" + cookie.Value
	}
	return "ip:" + clientIP(r)
}

// writeLimited answers 429 with the estimated seconds until one token is
// refilled.
func (rl *RateLimiter) writeLimited(w http.ResponseWriter) {
	retryAfter := int(math.Ceil(1.0 / float64(rl.limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, apiError{
		Error:   "Too many requests. Please slow down.",
		Kind:    kindRateLimit,
		Action:  "wait",
		Details: map[string]int{"retryAfterSeconds": retryAfter},
	})
}
