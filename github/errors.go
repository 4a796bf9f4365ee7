// Package github provides the GitHub API access layer for CommitLens:
// App authentication, installation token caching, rate-limit tracking,
// retry handling, and the typed repository operations built on top of them.
package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrorKind categorizes GitHub API failures into a closed set.
type ErrorKind string

const (
	// Authentication and authorization.
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindAuthorizationFailed  ErrorKind = "authorization_failed"
	KindTokenExpired         ErrorKind = "token_expired"
	KindInvalidCredentials   ErrorKind = "invalid_credentials"

	// API and network.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindAPIError          ErrorKind = "api_error"
	KindNetworkError      ErrorKind = "network_error"
	KindTimeoutError      ErrorKind = "timeout_error"

	// Resources.
	KindRepositoryNotFound   ErrorKind = "repository_not_found"
	KindInstallationNotFound ErrorKind = "installation_not_found"
	KindCommitNotFound       ErrorKind = "commit_not_found"
	KindFileNotFound         ErrorKind = "file_not_found"

	// Configuration.
	KindInvalidConfiguration ErrorKind = "invalid_configuration"
	KindMissingCredentials   ErrorKind = "missing_credentials"
	KindInvalidPrivateKey    ErrorKind = "invalid_private_key"

	// Data.
	KindInvalidResponse ErrorKind = "invalid_response"
	KindMalformedData   ErrorKind = "malformed_data"
	KindLargeResponse   ErrorKind = "large_response"

	KindUnknown ErrorKind = "unknown_error"
)

// ErrorContext carries the request context in which a failure occurred.
type ErrorContext struct {
	Repository string
	CommitSHA  string
	FilePath   string
	Endpoint   string
	Timestamp  time.Time
}

// APIError is a categorized GitHub API failure with retry metadata.
// It is constructed once at the failure site and passed up unchanged;
// callers branch on Kind, never on the message text.
type APIError struct {
	Message            string
	Kind               ErrorKind
	StatusCode         int // 0 when no HTTP response was received
	RetryAfter         time.Duration
	RateLimitRemaining int
	RateLimitReset     int64 // unix seconds, 0 when unknown
	Context            ErrorContext
	Err                error // wrapped original cause, may be nil
}

// NewAPIError creates an APIError with the context timestamp defaulted to now.
func NewAPIError(kind ErrorKind, message string, ctx ErrorContext) *APIError {
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	return &APIError{Message: message, Kind: kind, Context: ctx}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	var parts []string
	if e.Context.Repository != "" {
		parts = append(parts, "repo="+e.Context.Repository)
	}
	if e.Context.CommitSHA != "" {
		parts = append(parts, "commit="+shortSHA(e.Context.CommitSHA))
	}
	if e.Context.FilePath != "" {
		parts = append(parts, "path="+e.Context.FilePath)
	}
	if e.Context.Endpoint != "" {
		parts = append(parts, "endpoint="+e.Context.Endpoint)
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if len(parts) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// retryableKinds are the error categories worth a second attempt.
var retryableKinds = map[ErrorKind]bool{
	KindRateLimitExceeded: true,
	KindNetworkError:      true,
	KindTimeoutError:      true,
	KindAPIError:          true,
	KindTokenExpired:      true,
}

var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// IsRetryable reports whether retrying this error could succeed.
func (e *APIError) IsRetryable() bool {
	if retryableKinds[e.Kind] {
		return true
	}
	return retryableStatuses[e.StatusCode]
}

// RetryDelay calculates the delay before the next attempt. A Retry-After
// value wins; rate-limit errors wait until reset (at least a minute); all
// other errors use exponential backoff with 10-30% jitter.
func (e *APIError) RetryDelay(attempt int, baseDelay time.Duration) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Kind == KindRateLimitExceeded && e.RateLimitReset > 0 {
		reset := time.Until(time.Unix(e.RateLimitReset, 0))
		if reset < time.Minute {
			reset = time.Minute
		}
		return reset
	}
	delay := baseDelay * (1 << uint(attempt))
	jitter := time.Duration((0.1 + 0.2*rand.Float64()) * float64(delay))
	return delay + jitter
}

// ClassifyStatus maps an HTTP status code and response body to an ErrorKind.
func ClassifyStatus(status int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case status == 401:
		if strings.Contains(lower, "token") || strings.Contains(lower, "jwt") {
			return KindTokenExpired
		}
		return KindAuthenticationFailed
	case status == 403:
		if strings.Contains(lower, "rate limit") {
			return KindRateLimitExceeded
		}
		return KindAuthorizationFailed
	case status == 404:
		switch {
		case strings.Contains(lower, "repository"):
			return KindRepositoryNotFound
		case strings.Contains(lower, "installation"):
			return KindInstallationNotFound
		case strings.Contains(lower, "commit"):
			return KindCommitNotFound
		default:
			return KindFileNotFound
		}
	case status == 429:
		return KindRateLimitExceeded
	case status >= 500:
		return KindAPIError
	case status >= 400:
		return KindAPIError
	default:
		return KindUnknown
	}
}

// ClassifyError maps a transport or configuration error to an ErrorKind.
// Structured *APIError values keep their existing kind.
func ClassifyError(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeoutError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetworkError
	}

	if errors.Is(err, fs.ErrNotExist) {
		if strings.Contains(strings.ToLower(err.Error()), "private key") {
			return KindInvalidPrivateKey
		}
		return KindMissingCredentials
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindInvalidResponse
	}

	return KindUnknown
}

// WrapError converts err into an *APIError if it is not one already.
// Already-structured errors are returned as-is, never re-wrapped.
func WrapError(err error, ctx ErrorContext) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	wrapped := NewAPIError(ClassifyError(err), fmt.Sprintf("unexpected error: %v", err), ctx)
	wrapped.Err = err
	return wrapped
}
