package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

// fakeDoer serves canned responses keyed by "METHOD path" and records every
// request it sees.
type fakeDoer struct {
	responses map[string][]fakeResponse
	requests  []*http.Request
}

type fakeResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{responses: make(map[string][]fakeResponse)}
}

func (d *fakeDoer) add(method, path string, r fakeResponse) {
	key := method + " " + path
	d.responses[key] = append(d.responses[key], r)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	key := req.Method + " " + req.URL.Path
	queue := d.responses[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected request: %s", key)
	}
	r := queue[0]
	if len(queue) > 1 {
		d.responses[key] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	header := r.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(r.body))),
	}, nil
}

func (d *fakeDoer) countRequests(method, path string) int {
	n := 0
	for _, req := range d.requests {
		if req.Method == method && req.URL.Path == path {
			n++
		}
	}
	return n
}

const testBaseURL = "https://api.example.test"

func appTestKey(t *testing.T) []byte {
	t.Helper()
	_, pemBytes := generateTestKey(t)
	return pemBytes
}

func TestMockTokenCaching(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())
	ctx := context.Background()

	first, err := cache.Token(ctx, "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	second, err := cache.Token(ctx, "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() second call error = %v", err)
	}
	if first != second {
		t.Errorf("cache miss on second call: %q vs %q", first, second)
	}

	info := cache.Info("octocat", "Hello-World")
	if info == nil {
		t.Fatal("Info() = nil for cached repository")
	}
	if info.RefreshCount != 0 {
		t.Errorf("RefreshCount = %d after cached reads, want 0", info.RefreshCount)
	}
}

func TestMockTokenRefresh(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())
	ctx := context.Background()

	first, err := cache.Token(ctx, "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	refreshed, err := cache.Refresh(ctx, "octocat", "Hello-World")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed == first {
		t.Error("Refresh() returned the cached token")
	}

	info := cache.Info("octocat", "Hello-World")
	if info.RefreshCount != 1 {
		t.Errorf("RefreshCount = %d after one refresh, want 1", info.RefreshCount)
	}
}

func TestTokenRejectsEmptyNames(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())

	for _, pair := range [][2]string{{"", "repo"}, {"owner", ""}, {"", ""}} {
		_, err := cache.Token(context.Background(), pair[0], pair[1], false)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != KindInvalidConfiguration {
			t.Errorf("Token(%q, %q) error = %v, want invalid configuration", pair[0], pair[1], err)
		}
	}
}

func TestTokenExchange(t *testing.T) {
	doer := newFakeDoer()
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_real", "expires_at": "2030-01-01T00:00:00Z"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	token, err := cache.Token(context.Background(), "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "ghs_real" {
		t.Errorf("Token() = %q, want ghs_real", token)
	}

	info := cache.Info("octocat", "Hello-World")
	if info == nil || info.InstallationID != 42 {
		t.Fatalf("Info() = %+v, want installation 42", info)
	}
	want := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if !info.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, want)
	}

	// The cached token is served without another exchange.
	if _, err := cache.Token(context.Background(), "octocat", "Hello-World", false); err != nil {
		t.Fatalf("cached Token() error = %v", err)
	}
	if got := doer.countRequests("POST", "/app/installations/42/access_tokens"); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
}

func TestTokenExchangeFallbackExpiry(t *testing.T) {
	doer := newFakeDoer()
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_real", "expires_at": "not-a-timestamp"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	before := time.Now()
	if _, err := cache.Token(context.Background(), "octocat", "Hello-World", false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	info := cache.Info("octocat", "Hello-World")
	ttl := info.ExpiresAt.Sub(before)
	if ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("fallback TTL = %v, want about an hour", ttl)
	}
}

func TestTokenExchangeInstallationNotFound(t *testing.T) {
	doer := newFakeDoer()
	doer.add("GET", "/repos/ghost/missing/installation",
		fakeResponse{status: 404, body: `{"message": "Not Found"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	_, err := cache.Token(context.Background(), "ghost", "missing", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Token() error type = %T", err)
	}
	if apiErr.Kind != KindInstallationNotFound {
		t.Errorf("error kind = %v, want installation not found", apiErr.Kind)
	}

	// The lookup must not be retried: not-installed is fatal.
	if got := doer.countRequests("GET", "/repos/ghost/missing/installation"); got != 1 {
		t.Errorf("installation lookup hit %d times, want 1", got)
	}

	info := cache.Info("ghost", "missing")
	if info == nil || info.LastError == nil || info.LastError.Kind != KindInstallationNotFound {
		t.Errorf("last error not recorded: %+v", info)
	}
}

func TestTokenExchangeStaleInstallationRetriesOnce(t *testing.T) {
	doer := newFakeDoer()
	// The cached installation id turns stale: first POST 404s, the second
	// lookup resolves a new id and the POST succeeds.
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 404, body: `{"message": "Not Found"}`})
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 43}`})
	doer.add("POST", "/app/installations/43/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_new", "expires_at": "2030-01-01T00:00:00Z"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	token, err := cache.Token(context.Background(), "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "ghs_new" {
		t.Errorf("Token() = %q, want ghs_new", token)
	}
	if got := doer.countRequests("GET", "/repos/octocat/Hello-World/installation"); got != 2 {
		t.Errorf("installation lookup hit %d times, want 2", got)
	}
}

func TestTokenExchangeUnauthorizedRetriesOnce(t *testing.T) {
	doer := newFakeDoer()
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 401, body: `{"message": "expired JWT"}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_after_regen", "expires_at": "2030-01-01T00:00:00Z"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	token, err := cache.Token(context.Background(), "octocat", "Hello-World", false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "ghs_after_regen" {
		t.Errorf("Token() = %q, want ghs_after_regen", token)
	}
	if got := doer.countRequests("POST", "/app/installations/42/access_tokens"); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2", got)
	}
}

func TestTokenExchangePersistentUnauthorizedFails(t *testing.T) {
	doer := newFakeDoer()
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 401, body: `{"message": "Bad credentials"}`})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	_, err := cache.Token(context.Background(), "octocat", "Hello-World", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Token() error type = %T", err)
	}
	if apiErr.Kind != KindAuthenticationFailed {
		t.Errorf("error kind = %v, want authentication failed", apiErr.Kind)
	}
	// One regeneration retry, then give up.
	if got := doer.countRequests("POST", "/app/installations/42/access_tokens"); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2", got)
	}
}

func TestTokenExchangeRateLimited(t *testing.T) {
	header := http.Header{}
	header.Set("X-RateLimit-Remaining", "0")
	header.Set("X-RateLimit-Reset", "1900000000")

	doer := newFakeDoer()
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 403, body: `{"message": "API rate limit exceeded"}`, header: header})

	auth := NewAppAuth("123456", appTestKey(t), false)
	cache := NewTokenCache(auth, testBaseURL, doer, false, testLogger())

	_, err := cache.Token(context.Background(), "octocat", "Hello-World", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Token() error type = %T", err)
	}
	if apiErr.Kind != KindRateLimitExceeded {
		t.Errorf("error kind = %v, want rate limit exceeded", apiErr.Kind)
	}
	if apiErr.RateLimitReset != 1900000000 {
		t.Errorf("RateLimitReset = %d, want 1900000000", apiErr.RateLimitReset)
	}
	// Forbidden is fatal for this exchange: no further attempts.
	if got := doer.countRequests("POST", "/app/installations/42/access_tokens"); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
}

func TestCleanupExpired(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())
	ctx := context.Background()

	if _, err := cache.Token(ctx, "octocat", "Hello-World", false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if _, err := cache.Token(ctx, "octocat", "Spoon-Knife", false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	// Jump past the fallback expiry of both tokens.
	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if removed := cache.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
	if stats := cache.Stats(); stats.TotalCachedTokens != 0 {
		t.Errorf("TotalCachedTokens = %d after cleanup, want 0", stats.TotalCachedTokens)
	}
}

func TestCleanupKeepsFreshTokens(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())

	if _, err := cache.Token(context.Background(), "octocat", "Hello-World", false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	// Inside the read buffer but not past the expiry: eviction keeps it.
	cache.now = func() time.Time { return time.Now().Add(57 * time.Minute) }

	if removed := cache.CleanupExpired(); removed != 0 {
		t.Errorf("CleanupExpired() = %d, want 0", removed)
	}
	info := cache.Info("octocat", "Hello-World")
	if info == nil {
		t.Fatal("entry evicted while still unexpired")
	}
	if !info.IsExpired || info.IsExpiredNoBuffer {
		t.Errorf("buffer accounting wrong: IsExpired=%v IsExpiredNoBuffer=%v", info.IsExpired, info.IsExpiredNoBuffer)
	}
}

func TestClearAndStats(t *testing.T) {
	auth := NewAppAuth("123456", nil, true)
	cache := NewTokenCache(auth, testBaseURL, newFakeDoer(), true, testLogger())
	ctx := context.Background()

	_, _ = cache.Token(ctx, "octocat", "Hello-World", false)
	_, _ = cache.Token(ctx, "octocat", "Spoon-Knife", false)
	_, _ = cache.Refresh(ctx, "octocat", "Spoon-Knife")

	stats := cache.Stats()
	if stats.TotalCachedTokens != 2 {
		t.Errorf("TotalCachedTokens = %d, want 2", stats.TotalCachedTokens)
	}
	if stats.TotalRefreshes != 1 {
		t.Errorf("TotalRefreshes = %d, want 1", stats.TotalRefreshes)
	}
	if stats.HealthyTokens != 2 {
		t.Errorf("HealthyTokens = %d, want 2", stats.HealthyTokens)
	}

	cache.Clear("octocat", "Hello-World")
	if cache.Info("octocat", "Hello-World") != nil {
		t.Error("entry survived Clear()")
	}
	if len(cache.AllInfo()) != 1 {
		t.Errorf("AllInfo() has %d entries, want 1", len(cache.AllInfo()))
	}

	cache.ClearAll()
	if cache.Stats().TotalCachedTokens != 0 {
		t.Error("entries survived ClearAll()")
	}
}
