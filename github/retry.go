package github

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RetryConfig is an immutable retry policy.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableKinds    map[ErrorKind]bool
	RetryableStatuses map[int]bool
	RespectRetryAfter bool
	MaxRetryAfter     time.Duration
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	kinds := make(map[ErrorKind]bool, len(retryableKinds))
	for k := range retryableKinds {
		kinds[k] = true
	}
	statuses := make(map[int]bool, len(retryableStatuses))
	for s := range retryableStatuses {
		statuses[s] = true
	}
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		RetryableKinds:    kinds,
		RetryableStatuses: statuses,
		RespectRetryAfter: true,
		MaxRetryAfter:     5 * time.Minute,
	}
}

// RetryStats aggregates retry outcomes across operations.
type RetryStats struct {
	TotalAttempts     int
	SuccessfulRetries int
	FailedRetries     int
	TotalDelay        time.Duration
	ErrorKindCounts   map[ErrorKind]int
}

// RetryManager executes operations with retry on classified-retryable errors.
// Safe for concurrent use.
type RetryManager struct {
	config RetryConfig
	logger *slog.Logger

	mu    sync.Mutex
	stats RetryStats
}

// NewRetryManager creates a retry manager with the given policy.
func NewRetryManager(config RetryConfig, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryManager{
		config: config,
		logger: logger,
		stats:  RetryStats{ErrorKindCounts: make(map[ErrorKind]int)},
	}
}

// Stats returns a copy of the accumulated retry statistics.
func (m *RetryManager) Stats() RetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.ErrorKindCounts = make(map[ErrorKind]int, len(m.stats.ErrorKindCounts))
	for k, v := range m.stats.ErrorKindCounts {
		out.ErrorKindCounts[k] = v
	}
	return out
}

// ResetStats clears the accumulated retry statistics.
func (m *RetryManager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = RetryStats{ErrorKindCounts: make(map[ErrorKind]int)}
}

func (m *RetryManager) shouldRetry(err *APIError, attempt int) bool {
	if attempt >= m.config.MaxRetries {
		return false
	}
	if !m.config.RetryableKinds[err.Kind] {
		return false
	}
	// Non-retryable status codes short-circuit unless the kind demands a
	// token refresh or a rate-limit wait.
	if err.StatusCode != 0 && !m.config.RetryableStatuses[err.StatusCode] {
		if err.StatusCode < 500 && err.Kind != KindRateLimitExceeded && err.Kind != KindTokenExpired {
			return false
		}
	}
	// Plain authentication failures never retry; only expired tokens do.
	if err.Kind == KindAuthenticationFailed {
		return false
	}
	return true
}

func (m *RetryManager) delayFor(err *APIError, attempt int) time.Duration {
	if m.config.RespectRetryAfter && err.RetryAfter > 0 {
		if err.RetryAfter > m.config.MaxRetryAfter {
			return m.config.MaxRetryAfter
		}
		return err.RetryAfter
	}
	if err.Kind == KindRateLimitExceeded && err.RateLimitReset > 0 {
		reset := time.Until(time.Unix(err.RateLimitReset, 0))
		if reset > 0 {
			delay := reset + 10*time.Second
			if delay > m.config.MaxRetryAfter {
				return m.config.MaxRetryAfter
			}
			return delay
		}
	}
	delay := err.RetryDelay(attempt, m.config.BaseDelay)
	if delay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return delay
}

func (m *RetryManager) recordAttempt(kind ErrorKind, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalAttempts++
	if kind != "" {
		m.stats.ErrorKindCounts[kind]++
	}
	if failed {
		m.stats.FailedRetries++
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteWithRetry runs op until it succeeds, a non-retryable error occurs,
// or the attempt budget is exhausted. Unstructured errors are classified
// into APIErrors before the retry decision.
func ExecuteWithRetry[T any](ctx context.Context, m *RetryManager, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *APIError
	var totalDelay time.Duration

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			m.recordAttempt("", false)
			if attempt > 0 {
				m.mu.Lock()
				m.stats.SuccessfulRetries++
				m.mu.Unlock()
				m.logger.Info("operation succeeded after retries",
					"operation", operation,
					"retries", attempt,
					"total_delay", totalDelay,
				)
			}
			return result, nil
		}

		apiErr := WrapError(err, ErrorContext{Endpoint: operation})
		lastErr = apiErr
		m.recordAttempt(apiErr.Kind, false)

		if !m.shouldRetry(apiErr, attempt) {
			if attempt > 0 {
				m.mu.Lock()
				m.stats.FailedRetries++
				m.mu.Unlock()
				m.logger.Error("retries exhausted",
					"operation", operation,
					"retries", attempt,
					"error_kind", apiErr.Kind,
					"total_delay", totalDelay,
				)
			}
			return zero, apiErr
		}

		delay := m.delayFor(apiErr, attempt)
		totalDelay += delay
		m.mu.Lock()
		m.stats.TotalDelay += delay
		m.mu.Unlock()

		m.logger.Info("retrying operation",
			"operation", operation,
			"attempt", attempt+1,
			"delay", delay,
			"error_kind", apiErr.Kind,
		)

		if err := sleep(ctx, delay); err != nil {
			return zero, apiErr
		}
	}

	if lastErr != nil {
		m.mu.Lock()
		m.stats.FailedRetries++
		m.mu.Unlock()
		return zero, lastErr
	}
	return zero, NewAPIError(KindUnknown, fmt.Sprintf("retry loop for %s ended without result", operation), ErrorContext{Endpoint: operation})
}
