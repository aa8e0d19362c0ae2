package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateLimiterIdleAfter     = 10 * time.Minute
)

// RateLimiter admits up to limit requests per key in each window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	remaining int
	// reset is when the key regains capacity.
	reset time.Time
}

// memoryRateLimiter keeps one token bucket per key. A bucket holds limit
// tokens and refills one every window/limit.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	every := rate.Every(window / time.Duration(limit))
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || b.lim.Burst() != limit || b.lim.Limit() != every {
		b = &bucket{lim: rate.NewLimiter(every, limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	decision := rateDecision{allowed: allowed, remaining: int(math.Max(0, math.Floor(tokens)))}
	if missing := 1 - tokens; missing > 0 {
		decision.reset = now.Add(time.Duration(missing / float64(every) * float64(time.Second)))
	} else {
		decision.reset = now
	}
	return decision
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rateLimiterIdleAfter {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// withRateLimit applies the configured mutation limit. Actions on an
// existing application share one budget per application and client, so
// a burst of restarts against one app cannot starve the others.
func (r *Router) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		limit := r.cfg.RateLimit
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(rateLimitKey(req), limit, r.cfg.RateWindow)
		applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route)
			if wait := time.Until(decision.reset); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func rateLimitKey(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	if id := req.PathValue("id"); id != "" {
		return "res:" + id + ":ip:" + host
	}
	return "ip:" + host
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.remaining, 0)))
	if !decision.reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.reset.Unix(), 10))
	}
}
