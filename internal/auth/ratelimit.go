package auth

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
	"github.com/kayigireerneste/broker-sub000/internal/metrics"
)

// limiterIdle is how long an unused per-user limiter is kept.
const limiterIdle = 10 * time.Minute

// UserRateLimiter applies a token bucket per authenticated user.
type UserRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	rps      rate.Limit
	burst    int
	lastGC   time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter creates a limiter allowing rps sustained requests per
// user with the given burst.
func NewUserRateLimiter(rps float64, burst int) *UserRateLimiter {
	return &UserRateLimiter{
		limiters: make(map[string]*userLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		lastGC:   time.Now(),
	}
}

// Allow reports whether userID may submit another request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	now := time.Now()

	l.mu.Lock()
	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	if now.Sub(l.lastGC) > limiterIdle {
		for id, v := range l.limiters {
			if now.Sub(v.lastSeen) > limiterIdle {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}
	l.mu.Unlock()

	return ul.limiter.AllowN(now, 1)
}

// Handler refuses requests over the limit with 429. It must run after
// Middleware so the user is known.
func (l *UserRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			apperr.WriteMessage(w, r, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !l.Allow(u.ID) {
			metrics.RateLimited.Inc()
			slog.Warn("order rate limit exceeded", "user", u.ID)
			w.Header().Set("Retry-After", "1")
			apperr.WriteMessage(w, r, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
