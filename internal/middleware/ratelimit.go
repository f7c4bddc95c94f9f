package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bradax/broker/internal/metrics"
)

// RateLimiter enforces per-client minute and hour windows plus a global
// in-flight concurrency cap.
//
// Uses a sliding window algorithm: each window tracks request counts per
// key, and expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.Mutex
	minute   map[string]*rateLimitWindow
	hour     map[string]*rateLimitWindow
	cfg      RateLimitConfig
	slots    chan struct{}
	metrics  *metrics.Metrics
	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the throttling thresholds.
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	MaxConcurrent     int
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter with the given thresholds and
// starts its background window cleanup.
func NewRateLimiter(cfg RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.RequestsPerHour == 0 {
		cfg.RequestsPerHour = 1000
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}

	rl := &RateLimiter{
		minute:  make(map[string]*rateLimitWindow),
		hour:    make(map[string]*rateLimitWindow),
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		metrics: m,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Stop ends the background cleanup. Safe to call more than once; the
// limiter keeps enforcing windows after Stop, it just no longer evicts
// expired ones.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// allow counts one request against both windows for the key. It returns
// which window rejected, or "" when the request is within limits, plus the
// seconds until the tighter window resets.
func (rl *RateLimiter) allow(key string) (rejectedWindow string, retryAfter int, remaining int) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	min := rl.bump(rl.minute, key, now, time.Minute)
	hr := rl.bump(rl.hour, key, now, time.Hour)

	if min.count > rl.cfg.RequestsPerMinute {
		retry := int(time.Minute/time.Second) - int(now.Sub(min.windowStart)/time.Second)
		return "minute", max(retry, 1), 0
	}
	if hr.count > rl.cfg.RequestsPerHour {
		retry := int(time.Hour/time.Second) - int(now.Sub(hr.windowStart)/time.Second)
		return "hour", max(retry, 1), 0
	}
	return "", 0, rl.cfg.RequestsPerMinute - min.count
}

func (rl *RateLimiter) bump(windows map[string]*rateLimitWindow, key string, now time.Time, span time.Duration) *rateLimitWindow {
	w, ok := windows[key]
	if !ok || now.Sub(w.windowStart) > span {
		w = &rateLimitWindow{windowStart: now}
		windows[key] = w
	}
	w.count++
	return w
}

// Middleware enforces the windows per client IP and the global concurrency
// cap. Rejections carry Retry-After and X-RateLimit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		if window, retryAfter, remaining := rl.allow(key); window != "" {
			rl.logger.Printf("🚫 rate limit exceeded: key=%s window=%s", key, window)
			if rl.metrics != nil {
				rl.metrics.RateLimitRejections.WithLabelValues(window).Inc()
			}
			writeRateLimited(w, rl.cfg.RequestsPerMinute, remaining, retryAfter)
			return
		} else {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		// Concurrency cap: reject rather than queue so a slow provider
		// cannot pile up goroutines.
		select {
		case rl.slots <- struct{}{}:
			if rl.metrics != nil {
				rl.metrics.InFlightRequests.Inc()
			}
			defer func() {
				<-rl.slots
				if rl.metrics != nil {
					rl.metrics.InFlightRequests.Dec()
				}
			}()
		default:
			rl.logger.Printf("🚫 concurrency cap reached: key=%s max=%d", key, rl.cfg.MaxConcurrent)
			if rl.metrics != nil {
				rl.metrics.RateLimitRejections.WithLabelValues("concurrency").Inc()
			}
			writeRateLimited(w, rl.cfg.RequestsPerMinute, 0, 1)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, limit, remaining, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_seconds":%d}`, retryAfter)
}

// clientIP strips the port from RemoteAddr; requests arrive directly, not
// via a proxy, so forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		rl.mu.Lock()
		for key, w := range rl.minute {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(rl.minute, key)
			}
		}
		for key, w := range rl.hour {
			if now.Sub(w.windowStart) > 2*time.Hour {
				delete(rl.hour, key)
			}
		}
		rl.mu.Unlock()
	}
}
