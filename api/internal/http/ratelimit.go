package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter decides whether key may make another call within window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule bounds how often one caller may hit a class of routes.
type rateRule struct {
	name   string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 600
)

var (
	ruleSignup    = rateRule{name: "signup", limit: rateLimitSignup, window: rateWindowDefault, key: keyByIP}
	ruleLogin     = rateRule{name: "login", limit: rateLimitLogin, window: rateWindowDefault, key: keyByIP}
	ruleUserWrite = rateRule{name: "user_write", limit: rateLimitUserWrite, window: rateWindowDefault, key: keyByUser}
	ruleUserRead  = rateRule{name: "user_read", limit: rateLimitUserRead, window: rateWindowDefault, key: keyByUser}
	ruleRealtime  = rateRule{name: "realtime", limit: rateLimitWebsocket, window: rateWindowRealtime, key: keyByUser}
	// Source hosts deliver from a handful of addresses, so webhook budgets
	// are tracked per host path and sender.
	ruleWebhook = rateRule{name: "webhook", limit: rateLimitWebhook, window: rateWindowDefault, key: keyByWebhookSender}
)

// limit enforces rule before next. Requests whose key cannot be derived fall
// back to the caller address.
func (r *Router) limit(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := rule.key(req)
		if key == "" {
			key = keyByIP(req)
		}
		decision := r.limiter.Allow(key, rule.limit, rule.window)
		setRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.metrics.rateLimited(rule.name, keyKind(key))
			r.logger.Warn("rate limit exceeded", "rule", rule.name, "key", key)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func keyByIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// keyByUser relies on requireAuth having run first.
func keyByUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func keyByWebhookSender(req *http.Request) string {
	host := strings.Trim(strings.TrimPrefix(req.URL.Path, "/apps/"), "/")
	if host == "" {
		return ""
	}
	return "hook:" + host + ":" + strings.TrimPrefix(keyByIP(req), "ip:")
}

func keyKind(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}

func setRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
	if !decision.allowed && !decision.windowEnd.IsZero() {
		retry := int(time.Until(decision.windowEnd).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		headers.Set("Retry-After", strconv.Itoa(retry))
	}
}

// memoryRateLimiter approximates a sliding window by weighting the previous
// fixed window's count by how much of it still overlaps the current one.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type slidingWindow struct {
	start    time.Time
	size     time.Duration
	current  int
	previous int
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		windows: make(map[string]*slidingWindow),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	sw, ok := rl.windows[key]
	if !ok || sw.size != window {
		sw = &slidingWindow{start: now, size: window}
		rl.windows[key] = sw
	}
	sw.advance(now)
	estimate := sw.estimate(now)
	end := sw.start.Add(window)
	if estimate >= limit {
		return rateDecision{allowed: false, count: estimate, windowEnd: end}
	}
	sw.current++
	return rateDecision{allowed: true, count: estimate + 1, windowEnd: end}
}

func (sw *slidingWindow) advance(now time.Time) {
	elapsed := now.Sub(sw.start)
	switch {
	case elapsed >= 2*sw.size:
		sw.start = now
		sw.previous, sw.current = 0, 0
	case elapsed >= sw.size:
		sw.start = sw.start.Add(sw.size)
		sw.previous, sw.current = sw.current, 0
	}
}

func (sw *slidingWindow) estimate(now time.Time) int {
	overlap := 1 - float64(now.Sub(sw.start))/float64(sw.size)
	if overlap < 0 {
		overlap = 0
	}
	return int(float64(sw.previous)*overlap) + sw.current
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
	for key, sw := range rl.windows {
		if now.Sub(sw.start) >= 2*sw.size {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
