package server

import (
	"sync"
	"time"
)

const window = time.Minute

// rateLimiter enforces a per-IP sliding window. Entries for idle IPs
// are dropped by a background sweep so the map does not grow with
// every visitor the process has ever seen.
type rateLimiter struct {
	mu        sync.Mutex
	requests  map[string][]time.Time
	perMinute int

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		requests:    make(map[string][]time.Time),
		perMinute:   perMinute,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// allow records the request and reports whether it fits the window.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := pruneOld(rl.requests[ip], now)

	if len(recent) >= rl.perMinute {
		rl.requests[ip] = recent
		return false
	}
	rl.requests[ip] = append(recent, now)
	return true
}

// retryAfter returns whole seconds until the oldest request in the
// window expires.
func (rl *rateLimiter) retryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.requests[ip]
	if len(recent) == 0 {
		return 0
	}
	remaining := window - time.Since(recent[0])
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

func pruneOld(times []time.Time, now time.Time) []time.Time {
	valid := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			valid = append(valid, t)
		}
	}
	return valid
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, times := range rl.requests {
		recent := pruneOld(times, now)
		if len(recent) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = recent
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
