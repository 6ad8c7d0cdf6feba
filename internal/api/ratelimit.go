package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

// slidingWindow implements the advisory, in-process rate limiter of
// spec.md §5: a sliding window keyed by client address with
// per-window bucketed timestamps. It need not be cross-instance
// consistent, so no shared store backs it.
type slidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// allow reports whether key may make another request now, recording
// it if so.
func (w *slidingWindow) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	bucket := w.requests[key]
	kept := bucket[:0]
	for _, t := range bucket {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.limit {
		w.requests[key] = kept
		return false
	}

	kept = append(kept, now)
	w.requests[key] = kept
	return true
}

// RateLimit builds middleware enforcing limit requests per window per
// client address. Client address is taken from RemoteAddr (with the
// port stripped), not from forwarded headers — this engine sits
// behind infrastructure the operator controls, and trusting a
// client-supplied header here would let the limiter be bypassed.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	sw := newSlidingWindow(limit, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
			if !sw.allow(key) {
				writeProblem(w, validation.NewRateLimitedProblem("client request rate exceeded the configured window limit"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
