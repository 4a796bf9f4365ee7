package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// tokenExpiryBuffer is the safety margin applied when deciding whether
	// a cached token is still worth handing out. Tunable, not a GitHub
	// guarantee.
	tokenExpiryBuffer = 5 * time.Minute

	// sweepInterval is how often expired entries are evicted as a side
	// effect of token requests.
	sweepInterval = 10 * time.Minute

	// fallbackTokenTTL is assumed when the token response omits or has an
	// unparseable expiry. GitHub does not document this case; the value is
	// a pragmatic constant, not protocol.
	fallbackTokenTTL = time.Hour

	// tokenExchangeAttempts is the total attempt budget for one exchange.
	tokenExchangeAttempts = 3

	mockInstallationID = 12345678
)

type tokenEntry struct {
	token          string
	expiresAt      time.Time
	installationID int64
	createdAt      time.Time
	refreshCount   int
	lastErr        *APIError
}

// TokenInfo describes one cached installation token for introspection.
type TokenInfo struct {
	Repository        string
	TokenLength       int
	InstallationID    int64
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ExpiresIn         time.Duration
	Age               time.Duration
	RefreshCount      int
	IsExpired         bool // with the safety buffer
	IsExpiredNoBuffer bool
	LastError         *APIError
}

// TokenCacheStats aggregates cache health.
type TokenCacheStats struct {
	TotalCachedTokens  int
	HealthyTokens      int
	ExpiringSoonTokens int
	ExpiredTokens      int
	TotalRefreshes     int
	TimeSinceLastSweep time.Duration
}

// TokenCache maps (owner, repo) to a currently-valid installation token,
// minimizing round trips to GitHub. Safe for concurrent use; two callers
// refreshing the same key race benignly, the last writer wins.
type TokenCache struct {
	appAuth    *AppAuth
	baseURL    string
	httpClient Doer
	logger     *slog.Logger
	mockMode   bool
	now        func() time.Time

	mu            sync.Mutex
	entries       map[string]*tokenEntry
	installations map[string]int64
	lastSweep     time.Time
}

// NewTokenCache creates an installation token cache.
func NewTokenCache(appAuth *AppAuth, baseURL string, httpClient Doer, mockMode bool, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		appAuth:       appAuth,
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		mockMode:      mockMode,
		now:           time.Now,
		entries:       make(map[string]*tokenEntry),
		installations: make(map[string]int64),
		lastSweep:     time.Now(),
	}
}

func cacheKey(owner, repo string) string {
	return owner + "/" + repo
}

// Token returns a valid installation token for the repository, exchanging
// credentials with GitHub when the cache has nothing fresh. Set force to
// bypass the cached entry.
func (c *TokenCache) Token(ctx context.Context, owner, repo string, force bool) (string, error) {
	if owner == "" || repo == "" {
		return "", NewAPIError(KindInvalidConfiguration, "owner and repo must be non-empty", ErrorContext{})
	}
	key := cacheKey(owner, repo)

	c.maybeSweep()

	c.mu.Lock()
	if !force {
		if e, ok := c.entries[key]; ok && e.token != "" && c.now().Before(e.expiresAt.Add(-tokenExpiryBuffer)) {
			token := e.token
			c.mu.Unlock()
			return token, nil
		}
	}
	c.mu.Unlock()

	if c.mockMode {
		return c.mockToken(owner, repo), nil
	}

	token, expiresAt, installationID, apiErr := c.exchange(ctx, owner, repo)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if apiErr != nil {
		if !ok {
			e = &tokenEntry{createdAt: c.now()}
			c.entries[key] = e
		}
		e.lastErr = apiErr
		return "", apiErr
	}

	if ok {
		e.token = token
		e.expiresAt = expiresAt
		e.installationID = installationID
		e.refreshCount++
		e.lastErr = nil
	} else {
		c.entries[key] = &tokenEntry{
			token:          token,
			expiresAt:      expiresAt,
			installationID: installationID,
			createdAt:      c.now(),
		}
	}
	c.logger.Debug("installation token cached",
		"repository", key,
		"expires_at", expiresAt,
		"installation_id", installationID,
	)
	return token, nil
}

// Refresh forces a new token for the repository.
func (c *TokenCache) Refresh(ctx context.Context, owner, repo string) (string, error) {
	return c.Token(ctx, owner, repo, true)
}

func (c *TokenCache) mockToken(owner, repo string) string {
	key := cacheKey(owner, repo)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		e.refreshCount++
		e.token = fmt.Sprintf("ghs_mock_%s_%s_%d", owner, repo, e.refreshCount)
		e.expiresAt = c.now().Add(fallbackTokenTTL)
		e.lastErr = nil
		return e.token
	}
	e = &tokenEntry{
		token:          fmt.Sprintf("ghs_mock_%s_%s_0", owner, repo),
		expiresAt:      c.now().Add(fallbackTokenTTL),
		installationID: mockInstallationID,
		createdAt:      c.now(),
	}
	c.entries[key] = e
	return e.token
}

// installationID resolves the App installation for the repository, caching
// the result. A 404 means the App is not installed there: fatal.
func (c *TokenCache) installationID(ctx context.Context, owner, repo, appJWT string) (int64, *APIError) {
	key := cacheKey(owner, repo)
	c.mu.Lock()
	if id, ok := c.installations[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/repos/%s/%s/installation", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, WrapError(err, ErrorContext{Repository: key, Endpoint: endpoint})
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, WrapError(err, ErrorContext{Repository: key, Endpoint: endpoint})
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		apiErr := NewAPIError(KindInstallationNotFound,
			fmt.Sprintf("app is not installed on %s", key),
			ErrorContext{Repository: key, Endpoint: endpoint})
		apiErr.StatusCode = resp.StatusCode
		return 0, apiErr
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := NewAPIError(ClassifyStatus(resp.StatusCode, string(body)),
			fmt.Sprintf("failed to look up installation for %s", key),
			ErrorContext{Repository: key, Endpoint: endpoint})
		apiErr.StatusCode = resp.StatusCode
		return 0, apiErr
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &installation); err != nil {
		apiErr := NewAPIError(KindInvalidResponse,
			fmt.Sprintf("failed to decode installation response for %s", key),
			ErrorContext{Repository: key, Endpoint: endpoint})
		apiErr.Err = err
		return 0, apiErr
	}

	c.mu.Lock()
	c.installations[key] = installation.ID
	c.mu.Unlock()
	return installation.ID, nil
}

func (c *TokenCache) clearInstallationID(owner, repo string) {
	c.mu.Lock()
	delete(c.installations, cacheKey(owner, repo))
	c.mu.Unlock()
}

// exchange runs the attempt loop trading an App assertion plus installation
// id for a repository-scoped token. Auth failures regenerate the assertion
// once; a vanished installation clears the id cache once; everything else
// follows the per-condition delays.
func (c *TokenCache) exchange(ctx context.Context, owner, repo string) (string, time.Time, int64, *APIError) {
	key := cacheKey(owner, repo)
	var lastErr *APIError
	authRetried := false
	installRetried := false

	for attempt := 0; attempt < tokenExchangeAttempts; attempt++ {
		appJWT, err := c.appAuth.IssueJWT()
		if err != nil {
			return "", time.Time{}, 0, WrapError(err, ErrorContext{Repository: key})
		}

		installationID, apiErr := c.installationID(ctx, owner, repo, appJWT)
		if apiErr != nil {
			return "", time.Time{}, 0, apiErr
		}

		endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return "", time.Time{}, 0, WrapError(err, ErrorContext{Repository: key, Endpoint: endpoint})
		}
		req.Header.Set("Authorization", "Bearer "+appJWT)
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = WrapError(err, ErrorContext{Repository: key, Endpoint: endpoint})
			if lastErr.Kind == KindTimeoutError || lastErr.Kind == KindNetworkError {
				delay := time.Duration(1<<uint(attempt)) * time.Second
				c.logger.Warn("token exchange transport error, backing off",
					"repository", key, "attempt", attempt+1, "delay", delay, "error", err)
				if sleepErr := sleep(ctx, delay); sleepErr != nil {
					return "", time.Time{}, 0, lastErr
				}
				continue
			}
			return "", time.Time{}, 0, lastErr
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusCreated:
			var payload struct {
				Token     string `json:"token"`
				ExpiresAt string `json:"expires_at"`
			}
			if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
				apiErr := NewAPIError(KindInvalidResponse,
					fmt.Sprintf("failed to decode token response for %s", key),
					ErrorContext{Repository: key, Endpoint: endpoint})
				apiErr.Err = err
				return "", time.Time{}, 0, apiErr
			}
			expiresAt, err := time.Parse(time.RFC3339, payload.ExpiresAt)
			if err != nil {
				expiresAt = c.now().Add(fallbackTokenTTL)
			}
			return payload.Token, expiresAt, installationID, nil

		case resp.StatusCode == http.StatusUnauthorized:
			lastErr = c.exchangeError(resp.StatusCode, body, key, endpoint)
			if !authRetried {
				authRetried = true
				c.logger.Warn("token exchange unauthorized, regenerating app assertion", "repository", key)
				continue
			}
			return "", time.Time{}, 0, lastErr

		case resp.StatusCode == http.StatusNotFound:
			lastErr = NewAPIError(KindInstallationNotFound,
				fmt.Sprintf("installation vanished for %s", key),
				ErrorContext{Repository: key, Endpoint: endpoint})
			lastErr.StatusCode = resp.StatusCode
			if !installRetried {
				installRetried = true
				c.clearInstallationID(owner, repo)
				c.logger.Warn("installation id stale, cleared and retrying", "repository", key)
				continue
			}
			return "", time.Time{}, 0, lastErr

		case resp.StatusCode == http.StatusForbidden:
			lastErr = c.exchangeError(resp.StatusCode, body, key, endpoint)
			if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
				lastErr.Kind = KindRateLimitExceeded
				lastErr.RateLimitRemaining = 0
				if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
					lastErr.RateLimitReset = reset
				}
			}
			return "", time.Time{}, 0, lastErr

		default:
			// 422 and other unexpected statuses retry after a short pause.
			lastErr = c.exchangeError(resp.StatusCode, body, key, endpoint)
			c.logger.Warn("token exchange failed, retrying",
				"repository", key, "status", resp.StatusCode, "attempt", attempt+1)
			if sleepErr := sleep(ctx, time.Second); sleepErr != nil {
				return "", time.Time{}, 0, lastErr
			}
		}
	}
	return "", time.Time{}, 0, lastErr
}

func (c *TokenCache) exchangeError(status int, body []byte, key, endpoint string) *APIError {
	apiErr := NewAPIError(ClassifyStatus(status, string(body)),
		fmt.Sprintf("failed to create installation token for %s: status %d", key, status),
		ErrorContext{Repository: key, Endpoint: endpoint})
	apiErr.StatusCode = status
	return apiErr
}

func (c *TokenCache) maybeSweep() {
	c.mu.Lock()
	due := c.now().Sub(c.lastSweep) > sweepInterval
	c.mu.Unlock()
	if due {
		removed := c.CleanupExpired()
		if removed > 0 {
			c.logger.Info("evicted expired installation tokens", "count", removed)
		}
	}
}

// CleanupExpired removes every entry whose expiry has passed, with no
// buffer, and returns the number removed.
func (c *TokenCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.lastSweep = now
	return removed
}

// Clear removes the cached token for one repository.
func (c *TokenCache) Clear(owner, repo string) {
	key := cacheKey(owner, repo)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.installations, key)
}

// ClearAll empties the cache.
func (c *TokenCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*tokenEntry)
	c.installations = make(map[string]int64)
}

func (c *TokenCache) infoLocked(key string, e *tokenEntry) *TokenInfo {
	now := c.now()
	return &TokenInfo{
		Repository:        key,
		TokenLength:       len(e.token),
		InstallationID:    e.installationID,
		CreatedAt:         e.createdAt,
		ExpiresAt:         e.expiresAt,
		ExpiresIn:         e.expiresAt.Sub(now),
		Age:               now.Sub(e.createdAt),
		RefreshCount:      e.refreshCount,
		IsExpired:         !now.Before(e.expiresAt.Add(-tokenExpiryBuffer)),
		IsExpiredNoBuffer: !now.Before(e.expiresAt),
		LastError:         e.lastErr,
	}
}

// Info returns introspection data for one cached token, or nil if absent.
func (c *TokenCache) Info(owner, repo string) *TokenInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(owner, repo)]
	if !ok {
		return nil
	}
	return c.infoLocked(cacheKey(owner, repo), e)
}

// AllInfo returns introspection data for every cached token.
func (c *TokenCache) AllInfo() map[string]*TokenInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*TokenInfo, len(c.entries))
	for key, e := range c.entries {
		out[key] = c.infoLocked(key, e)
	}
	return out
}

// Stats returns aggregate cache health counters.
func (c *TokenCache) Stats() TokenCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	stats := TokenCacheStats{
		TotalCachedTokens:  len(c.entries),
		TimeSinceLastSweep: now.Sub(c.lastSweep),
	}
	for _, e := range c.entries {
		stats.TotalRefreshes += e.refreshCount
		switch {
		case !now.Before(e.expiresAt):
			stats.ExpiredTokens++
		case !now.Before(e.expiresAt.Add(-tokenExpiryBuffer)):
			stats.ExpiringSoonTokens++
		default:
			stats.HealthyTokens++
		}
	}
	return stats
}
