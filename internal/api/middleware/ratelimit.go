package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mangofish163/procurator/internal/logger"
)

const (
	// Buckets idle this long are forgotten; a returning client starts full.
	bucketIdleTTL = 3 * time.Minute
	// Idle buckets are swept opportunistically during Take, at most this often.
	sweepEvery = time.Minute
)

// Throttle is a per-client token-bucket limiter. All buckets hang off one
// mutex-guarded map; refill happens lazily on access, so there is no
// background goroutine, and idle clients are evicted in-line during the
// periodic sweep. When a request is refused, Take reports how long until
// the bucket can cover it, which becomes the Retry-After header.
type Throttle struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	nextSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func NewThrottle(rps int) *Throttle {
	if rps <= 0 {
		rps = 1000
	}
	return &Throttle{
		buckets: make(map[string]*bucket),
		rate:    float64(rps),
		burst:   float64(rps),
	}
}

// Take spends cost tokens from key's bucket. On refusal it returns the
// time until the deficit is refilled.
func (t *Throttle) Take(key string, cost float64) (bool, time.Duration) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.After(t.nextSweep) {
		for k, b := range t.buckets {
			if now.Sub(b.seen) > bucketIdleTTL {
				delete(t.buckets, k)
			}
		}
		t.nextSweep = now.Add(sweepEvery)
	}

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: t.burst, seen: now}
		t.buckets[key] = b
	}

	b.tokens = math.Min(t.burst, b.tokens+now.Sub(b.seen).Seconds()*t.rate)
	b.seen = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	wait := time.Duration((cost - b.tokens) / t.rate * float64(time.Second))
	return false, wait
}

// Size returns the number of tracked buckets.
func (t *Throttle) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// ClientRateLimit throttles requests per client (X-Forwarded-For, falling
// back to the peer address). Submissions weigh more than lookups: a POST
// can enqueue work or execute a task inline, a GET only reads a hash.
func ClientRateLimit(rps int) func(next http.Handler) http.Handler {
	throttle := NewThrottle(rps)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.Header.Get("X-Forwarded-For")
			if clientID == "" {
				clientID = r.RemoteAddr
			}

			cost := 1.0
			if r.Method != http.MethodGet {
				cost = 5.0
			}

			ok, wait := throttle.Take(clientID, cost)
			if !ok {
				logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("client", clientID).
					Dur("retry_after", wait).
					Msg("client rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too Many Requests","message":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
