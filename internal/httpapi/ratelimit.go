package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute    int
	IPBurst        int
	SalonPerMinute int
	SalonBurst     int
}

// RateLimiter throttles by client IP first, then by salon so one busy
// salon cannot starve the others behind a shared proxy.
type RateLimiter struct {
	byIP    *keyedBuckets
	bySalon *keyedBuckets
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		byIP:    newKeyedBuckets(cfg.IPPerMinute, cfg.IPBurst),
		bySalon: newKeyedBuckets(cfg.SalonPerMinute, cfg.SalonBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := requestScope(r)
		if ip := clientIP(r); ip != "" && !l.byIP.take(ip) {
			writeError(w, scope.requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if scope.salonID != "" && !l.bySalon.take(scope.salonID) {
			writeError(w, scope.requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyedBuckets is a token bucket per key. Keys idle for more than
// staleAfter are dropped on the next sweep so the map stays bounded.
type keyedBuckets struct {
	mu        sync.Mutex
	perSecond float64
	burst     float64
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

const staleAfter = 10 * time.Minute

func newKeyedBuckets(perMinute, burst int) *keyedBuckets {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedBuckets{
		perSecond: float64(perMinute) / 60.0,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

func (k *keyedBuckets) take(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if now.Sub(k.lastSweep) > staleAfter {
		for id, b := range k.buckets {
			if now.Sub(b.refilled) > staleAfter {
				delete(k.buckets, id)
			}
		}
		k.lastSweep = now
	}

	b, ok := k.buckets[key]
	if !ok {
		k.buckets[key] = &bucket{tokens: k.burst - 1, refilled: now}
		return true
	}
	b.tokens += now.Sub(b.refilled).Seconds() * k.perSecond
	if b.tokens > k.burst {
		b.tokens = k.burst
	}
	b.refilled = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type scopeIDs struct {
	salonID   string
	requestID string
}

// maxPeekBytes caps how much of a JSON body requestScope will buffer to look
// for scope identifiers.
const maxPeekBytes = 1 << 20

type readCloser struct {
	io.Reader
	io.Closer
}

// requestScope pulls salon and request identifiers from headers, query,
// or the JSON body, so limiting and logging see the same scope whichever
// way a client supplies it. The body read is restored for the handler.
func requestScope(r *http.Request) scopeIDs {
	s := scopeIDs{
		salonID:   strings.TrimSpace(r.Header.Get("X-Salon-ID")),
		requestID: strings.TrimSpace(r.Header.Get("X-Request-ID")),
	}
	if s.salonID == "" {
		s.salonID = strings.TrimSpace(r.URL.Query().Get("salon_id"))
	}
	if s.requestID == "" {
		s.requestID = strings.TrimSpace(r.URL.Query().Get("request_id"))
	}
	if s.salonID != "" && s.requestID != "" {
		return s
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return s
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes+1))
	if err != nil {
		return s
	}
	if len(body) > maxPeekBytes {
		// Too large to parse here. Stitch the consumed bytes back onto the
		// unread remainder so the handler still sees the whole body.
		r.Body = readCloser{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		return s
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	var peek struct {
		SalonID   string `json:"salon_id"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return s
	}
	if s.salonID == "" {
		s.salonID = strings.TrimSpace(peek.SalonID)
	}
	if s.requestID == "" {
		s.requestID = strings.TrimSpace(peek.RequestID)
	}
	return s
}
