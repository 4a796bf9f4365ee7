package github

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitStatus is a snapshot of one API quota window.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetTime int64 // unix seconds
	Used      int
	Resource  string
}

// ResetIn returns the time until the window resets. Never negative.
func (s RateLimitStatus) ResetIn(now time.Time) time.Duration {
	d := time.Unix(s.ResetTime, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UsagePercent returns how much of the quota has been consumed.
func (s RateLimitStatus) UsagePercent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Limit) * 100
}

// IsExhausted reports whether remaining is at or below the buffer.
func (s RateLimitStatus) IsExhausted(buffer int) bool {
	return s.Remaining <= buffer
}

// RateLimitStats tracks tracker activity.
type RateLimitStats struct {
	TotalRequests       int
	RateLimitedRequests int
	AutoWaits           int
	TotalWaitTime       time.Duration
}

// WarningFunc is notified when quota usage crosses a threshold.
type WarningFunc func(resource string, status RateLimitStatus, threshold float64)

// ExceededFunc is notified when a rate-limit error is handled.
type ExceededFunc func(resource string, err *APIError)

// ResetFunc is notified when a quota window resets.
type ResetFunc func(resource string, status RateLimitStatus)

// RateLimitTracker tracks per-resource quota state from response headers
// and decides whether callers should pause before the next request.
// Construct one per client and inject it; there is no global instance.
type RateLimitTracker struct {
	buffer   int
	autoWait bool
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	limits     map[string]RateLimitStatus
	stats      RateLimitStats
	onWarning  []WarningFunc
	onExceeded []ExceededFunc
	onReset    []ResetFunc
}

// NewRateLimitTracker creates a tracker keeping buffer requests in reserve.
// When autoWait is set, WaitIfNeeded and HandleRateLimitError block until the
// quota window allows another request.
func NewRateLimitTracker(buffer int, autoWait bool, logger *slog.Logger) *RateLimitTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitTracker{
		buffer:   buffer,
		autoWait: autoWait,
		logger:   logger,
		now:      time.Now,
		limits:   make(map[string]RateLimitStatus),
	}
}

// OnWarning registers a callback for quota usage threshold crossings.
func (t *RateLimitTracker) OnWarning(fn WarningFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWarning = append(t.onWarning, fn)
}

// OnExceeded registers a callback for handled rate-limit errors.
func (t *RateLimitTracker) OnExceeded(fn ExceededFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExceeded = append(t.onExceeded, fn)
}

// OnReset registers a callback for quota window resets.
func (t *RateLimitTracker) OnReset(fn ResetFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReset = append(t.onReset, fn)
}

// invoke runs a callback, containing any panic so notification failures
// never escape the tracker.
func (t *RateLimitTracker) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("rate limit callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// Observe ingests rate-limit headers from a GitHub API response, replacing
// the stored snapshot for the resource. A changed reset timestamp fires the
// reset notification; crossing a 90/80/50% usage threshold fires a warning
// for the highest threshold only.
func (t *RateLimitTracker) Observe(headers http.Header, resource string) {
	limit, err1 := strconv.Atoi(headers.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(headers.Get("X-RateLimit-Remaining"))
	reset, err3 := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return // headers absent or malformed, keep the previous snapshot
	}
	used, err := strconv.Atoi(headers.Get("X-RateLimit-Used"))
	if err != nil {
		used = limit - remaining
	}

	status := RateLimitStatus{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: reset,
		Used:      used,
		Resource:  resource,
	}

	t.mu.Lock()
	old, hadOld := t.limits[resource]
	t.limits[resource] = status
	warnings := append([]WarningFunc(nil), t.onWarning...)
	resets := append([]ResetFunc(nil), t.onReset...)
	t.mu.Unlock()

	if hadOld && old.ResetTime != reset {
		t.logger.Info("rate limit reset", "resource", resource, "limit", limit)
		for _, fn := range resets {
			fn := fn
			t.invoke("reset", func() { fn(resource, status) })
		}
	}

	if remaining < 100 {
		t.logger.Warn("rate limit low",
			"resource", resource,
			"remaining", remaining,
			"reset_in", status.ResetIn(t.now()),
		)
	}

	for _, threshold := range []float64{0.9, 0.8, 0.5} {
		if status.UsagePercent() >= threshold*100 {
			th := threshold
			t.logger.Warn("rate limit usage warning",
				"resource", resource,
				"usage_percent", status.UsagePercent(),
				"remaining", remaining,
			)
			for _, fn := range warnings {
				fn := fn
				t.invoke("warning", func() { fn(resource, status, th) })
			}
			break
		}
	}
}

// Status returns the stored snapshot for a resource, if any.
func (t *RateLimitTracker) Status(resource string) (RateLimitStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.limits[resource]
	return s, ok
}

// AllStatus returns snapshots for every tracked resource.
func (t *RateLimitTracker) AllStatus() map[string]RateLimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]RateLimitStatus, len(t.limits))
	for k, v := range t.limits {
		out[k] = v
	}
	return out
}

// ShouldWait reports whether the remaining quota is at or below the buffer.
func (t *RateLimitTracker) ShouldWait(resource string) bool {
	s, ok := t.Status(resource)
	if !ok {
		return false
	}
	return s.IsExhausted(t.buffer)
}

// waitTime is the sleep until reset plus a 10 second margin so the window
// has actually rolled over server-side.
func (t *RateLimitTracker) waitTime(resource string) time.Duration {
	s, ok := t.Status(resource)
	if !ok {
		return 0
	}
	return s.ResetIn(t.now()) + 10*time.Second
}

// WaitIfNeeded sleeps until the quota window resets when the buffer is
// exhausted and auto-wait is enabled. Returns true if it waited.
func (t *RateLimitTracker) WaitIfNeeded(ctx context.Context, resource string) bool {
	if !t.autoWait || !t.ShouldWait(resource) {
		return false
	}
	wait := t.waitTime(resource)
	if wait <= 0 {
		return false
	}

	t.logger.Warn("waiting for rate limit reset", "resource", resource, "wait", wait)
	t.mu.Lock()
	t.stats.AutoWaits++
	t.stats.TotalWaitTime += wait
	t.mu.Unlock()

	sleep(ctx, wait)
	return true
}

// RecordRequest optimistically decrements the local remaining counter until
// fresh headers arrive. An estimate only; Observe overwrites it.
func (t *RateLimitTracker) RecordRequest(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.TotalRequests++
	if s, ok := t.limits[resource]; ok && s.Remaining > 0 {
		s.Remaining--
		s.Used++
		t.limits[resource] = s
	}
}

// HandleRateLimitError overwrites the stored snapshot from the error's
// embedded rate-limit fields and, when auto-wait is enabled, sleeps for the
// error's recommended delay.
func (t *RateLimitTracker) HandleRateLimitError(ctx context.Context, err *APIError, resource string) {
	t.mu.Lock()
	t.stats.RateLimitedRequests++
	if err.RateLimitReset > 0 {
		t.limits[resource] = RateLimitStatus{
			Limit:     err.RateLimitRemaining,
			Remaining: err.RateLimitRemaining,
			ResetTime: err.RateLimitReset,
			Resource:  resource,
		}
	}
	exceeded := append([]ExceededFunc(nil), t.onExceeded...)
	t.mu.Unlock()

	for _, fn := range exceeded {
		fn := fn
		t.invoke("exceeded", func() { fn(resource, err) })
	}

	if t.autoWait {
		wait := err.RetryDelay(0, time.Second)
		if wait > 0 {
			t.logger.Warn("rate limit exceeded, waiting", "resource", resource, "wait", wait)
			t.mu.Lock()
			t.stats.AutoWaits++
			t.stats.TotalWaitTime += wait
			t.mu.Unlock()
			sleep(ctx, wait)
		}
	}
}

// Stats returns a copy of the tracker's activity counters.
func (t *RateLimitTracker) Stats() RateLimitStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
