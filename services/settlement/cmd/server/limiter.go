package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// fixedWindowLimiter counts requests per key in coarse windows. Coarse is
// fine here: the limit protects session creation from runaway clients,
// not from adversarial traffic shaping.
type fixedWindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*countingWindow
}

type countingWindow struct {
	start time.Time
	count int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		windows: map[string]*countingWindow{},
	}
}

func (l *fixedWindowLimiter) allow(key string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cw := l.windows[key]
	if cw == nil || now.Sub(cw.start) >= l.window {
		l.windows[key] = &countingWindow{start: now, count: 1}
		return true
	}
	cw.count++
	return cw.count <= l.limit
}

func clientIPFromRequest(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}
	return "unknown"
}
