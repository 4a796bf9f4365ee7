package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBaseURL is the GitHub REST API endpoint.
	DefaultBaseURL = "https://api.github.com"

	// requestTimeout bounds each HTTP call at the transport layer.
	requestTimeout = 30 * time.Second

	// commitFilesLimit is where GitHub truncates the per-commit file list.
	commitFilesLimit = 300

	rateResource = "core"
)

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute
// fakes.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// validStatusStates are the commit status states GitHub accepts.
var validStatusStates = map[string]bool{
	"pending": true,
	"success": true,
	"error":   true,
	"failure": true,
}

// Options configures a Client.
type Options struct {
	AppID      string
	PrivateKey []byte
	BaseURL    string
	MockMode   bool
	// HTTPClient overrides the default 30s-timeout client, mainly for tests.
	HTTPClient Doer
	// RateTracker is required; construct one per client and inject it.
	RateTracker *RateLimitTracker
	// RetryManager is optional; a default-policy manager is created when nil.
	RetryManager *RetryManager
	Logger       *slog.Logger
}

// Client provides typed GitHub repository operations built on the token
// cache, rate tracker, and retry engine. Every operation has a
// deterministic mock-mode response for offline use.
type Client struct {
	baseURL    string
	httpClient Doer
	appAuth    *AppAuth
	tokens     *TokenCache
	rate       *RateLimitTracker
	retry      *RetryManager
	logger     *slog.Logger
	mockMode   bool
}

// NewClient creates a GitHub data client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	rate := opts.RateTracker
	if rate == nil {
		rate = NewRateLimitTracker(10, false, logger)
	}
	retry := opts.RetryManager
	if retry == nil {
		retry = NewRetryManager(DefaultRetryConfig(), logger)
	}
	appAuth := NewAppAuth(opts.AppID, opts.PrivateKey, opts.MockMode)
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		appAuth:    appAuth,
		tokens:     NewTokenCache(appAuth, baseURL, httpClient, opts.MockMode, logger),
		rate:       rate,
		retry:      retry,
		logger:     logger,
		mockMode:   opts.MockMode,
	}
}

// MockMode reports whether the client serves deterministic fake responses.
func (c *Client) MockMode() bool { return c.mockMode }

// RateTracker returns the injected rate limit tracker.
func (c *Client) RateTracker() *RateLimitTracker { return c.rate }

// Token cache management surface.

// GetToken returns a valid installation token for the repository.
func (c *Client) GetToken(ctx context.Context, owner, repo string) (string, error) {
	return c.tokens.Token(ctx, owner, repo, false)
}

// RefreshToken forces a new installation token for the repository.
func (c *Client) RefreshToken(ctx context.Context, owner, repo string) (string, error) {
	return c.tokens.Refresh(ctx, owner, repo)
}

// ClearCache drops the cached token for one repository.
func (c *Client) ClearCache(owner, repo string) { c.tokens.Clear(owner, repo) }

// ClearAllCaches drops every cached token.
func (c *Client) ClearAllCaches() { c.tokens.ClearAll() }

// CleanupExpiredTokens evicts expired entries and returns the count removed.
func (c *Client) CleanupExpiredTokens() int { return c.tokens.CleanupExpired() }

// CachedTokenInfo returns introspection data for one cached token.
func (c *Client) CachedTokenInfo(owner, repo string) *TokenInfo { return c.tokens.Info(owner, repo) }

// AllCachedTokensInfo returns introspection data for all cached tokens.
func (c *Client) AllCachedTokensInfo() map[string]*TokenInfo { return c.tokens.AllInfo() }

// TokenManagementStats returns aggregate token cache statistics.
func (c *Client) TokenManagementStats() TokenCacheStats { return c.tokens.Stats() }

type httpResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// request issues one authenticated API call. On 401 it forces a token
// refresh and retries exactly once; all other handling is the caller's.
func (c *Client) request(ctx context.Context, method, endpoint string, body []byte, ec ErrorContext) (*httpResult, error) {
	owner, repo, ok := strings.Cut(ec.Repository, "/")
	if !ok {
		return nil, NewAPIError(KindInvalidConfiguration, fmt.Sprintf("malformed repository key %q", ec.Repository), ec)
	}

	c.rate.WaitIfNeeded(ctx, rateResource)

	refreshed := false
	for {
		token, err := c.tokens.Token(ctx, owner, repo, false)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, WrapError(err, ec)
		}
		req.Header.Set("Authorization", "token "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, WrapError(err, ec)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, WrapError(readErr, ec)
		}

		c.rate.Observe(resp.Header, rateResource)
		c.rate.RecordRequest(rateResource)

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.logger.Warn("got 401, forcing token refresh", "repository", ec.Repository)
			if _, err := c.tokens.Refresh(ctx, owner, repo); err != nil {
				return nil, err
			}
			continue
		}

		return &httpResult{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
	}
}

// apiError builds an operation error from a non-2xx result, attaching any
// rate-limit metadata and notifying the tracker on quota exhaustion.
func (c *Client) apiError(ctx context.Context, res *httpResult, message string, ec ErrorContext) *APIError {
	kind := ClassifyStatus(res.Status, string(res.Body))
	apiErr := NewAPIError(kind, message, ec)
	apiErr.StatusCode = res.Status
	if retryAfter, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(retryAfter) * time.Second
	}
	if remaining, err := strconv.Atoi(res.Header.Get("X-RateLimit-Remaining")); err == nil {
		apiErr.RateLimitRemaining = remaining
	}
	if reset, err := strconv.ParseInt(res.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		apiErr.RateLimitReset = reset
	}
	if kind == KindRateLimitExceeded {
		c.rate.HandleRateLimitError(ctx, apiErr, rateResource)
	}
	return apiErr
}

// getJSON fetches endpoint and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, endpoint, operation string, ec ErrorContext, out any) error {
	ec.Endpoint = endpoint
	res, err := c.request(ctx, http.MethodGet, endpoint, nil, ec)
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK {
		return c.apiError(ctx, res, fmt.Sprintf("failed to %s", operation), ec)
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		apiErr := NewAPIError(KindInvalidResponse, fmt.Sprintf("failed to decode %s response", operation), ec)
		apiErr.Err = err
		return apiErr
	}
	return nil
}

// FetchCommitPatches fetches commit metadata, per-file patch text, and
// aggregate stats. Merge commits (more than one parent) get a best-effort
// comparison against the first parent; a truncated file list (GitHub stops
// at 300 entries) is noted and processing continues.
func (c *Client) FetchCommitPatches(ctx context.Context, owner, repo, sha string) (*CommitPatches, error) {
	if c.mockMode {
		return mockCommitPatches(owner, repo, sha), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo, CommitSHA: sha}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.baseURL, owner, repo, sha)

	commit, err := ExecuteWithRetry(ctx, c.retry, "fetch commit", func(ctx context.Context) (*Commit, error) {
		var commit Commit
		if err := c.getJSON(ctx, endpoint, "fetch commit", ec, &commit); err != nil {
			return nil, err
		}
		return &commit, nil
	})
	if err != nil {
		return nil, err
	}

	result := &CommitPatches{
		CommitData: commit,
		Patches:    make(map[string]string, len(commit.Files)),
		Files:      commit.Files,
	}
	for _, f := range commit.Files {
		if f.Patch != "" {
			result.Patches[f.Filename] = f.Patch
		}
		result.Stats.Additions += f.Additions
		result.Stats.Deletions += f.Deletions
	}
	if commit.Stats != nil {
		result.Stats = *commit.Stats
	} else {
		result.Stats.Total = result.Stats.Additions + result.Stats.Deletions
	}

	if len(commit.Files) >= commitFilesLimit {
		result.FilesTruncated = true
		c.logger.Warn("commit file list truncated by GitHub",
			"repository", ec.Repository, "commit", sha, "files", len(commit.Files))
	}

	for _, p := range commit.Parents {
		result.ParentCommits = append(result.ParentCommits, p.SHA)
	}
	result.IsMergeCommit = len(result.ParentCommits) > 1

	if result.IsMergeCommit {
		compareEndpoint := fmt.Sprintf("%s/repos/%s/%s/compare/%s...%s",
			c.baseURL, owner, repo, result.ParentCommits[0], sha)
		var comparison Comparison
		if err := c.getJSON(ctx, compareEndpoint, "compare merge parents", ec, &comparison); err != nil {
			// Best effort: merge analysis degrades, the fetch does not fail.
			c.logger.Warn("first-parent comparison failed",
				"repository", ec.Repository, "commit", sha, "error", err)
		} else {
			result.ParentComparison = &comparison
		}
	}

	return result, nil
}

// FetchFileContents fetches and decodes one file at ref. Directory paths
// are rejected; content that does not decode as UTF-8 is marked binary;
// GitHub's too-large refusal is reported distinctly from other 403s.
func (c *Client) FetchFileContents(ctx context.Context, owner, repo, filePath, ref string) (*FileContent, error) {
	if c.mockMode {
		return mockFileContent(filePath), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo, FilePath: filePath}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, owner, repo, filePath)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	ec.Endpoint = endpoint

	res, err := c.request(ctx, http.MethodGet, endpoint, nil, ec)
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusForbidden && strings.Contains(strings.ToLower(string(res.Body)), "too large") {
		apiErr := NewAPIError(KindLargeResponse, fmt.Sprintf("file %s is too large to fetch via the contents API", filePath), ec)
		apiErr.StatusCode = res.Status
		return nil, apiErr
	}
	if res.Status != http.StatusOK {
		return nil, c.apiError(ctx, res, fmt.Sprintf("failed to fetch file %s", filePath), ec)
	}

	// A directory listing comes back as a JSON array.
	if len(res.Body) > 0 && res.Body[0] == '[' {
		return nil, NewAPIError(KindMalformedData, fmt.Sprintf("path %s is a directory, not a file", filePath), ec)
	}

	var entry contentEntry
	if err := json.Unmarshal(res.Body, &entry); err != nil {
		apiErr := NewAPIError(KindInvalidResponse, fmt.Sprintf("failed to decode contents response for %s", filePath), ec)
		apiErr.Err = err
		return nil, apiErr
	}
	if entry.Type != "file" {
		return nil, NewAPIError(KindMalformedData, fmt.Sprintf("path %s is a %s, not a file", filePath, entry.Type), ec)
	}
	if entry.Encoding != "base64" {
		return nil, NewAPIError(KindInvalidResponse, fmt.Sprintf("unsupported encoding %q for %s", entry.Encoding, filePath), ec)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(entry.Content, "\n", ""))
	if err != nil {
		apiErr := NewAPIError(KindMalformedData, fmt.Sprintf("failed to decode base64 content of %s", filePath), ec)
		apiErr.Err = err
		return nil, apiErr
	}

	content := &FileContent{
		Path:        entry.Path,
		Encoding:    entry.Encoding,
		Size:        entry.Size,
		SHA:         entry.SHA,
		Type:        entry.Type,
		DownloadURL: entry.DownloadURL,
	}
	if utf8.Valid(decoded) {
		content.Content = string(decoded)
	} else {
		content.IsBinary = true
	}
	return content, nil
}

// FetchMultipleFileContents fetches each path sequentially, best effort:
// per-file failures are recorded inline instead of aborting the batch.
func (c *Client) FetchMultipleFileContents(ctx context.Context, owner, repo string, paths []string, ref string) map[string]BatchFileResult {
	results := make(map[string]BatchFileResult, len(paths))
	for _, p := range paths {
		content, err := c.FetchFileContents(ctx, owner, repo, p, ref)
		if err != nil {
			results[p] = BatchFileResult{Error: WrapError(err, ErrorContext{Repository: owner + "/" + repo, FilePath: p})}
			continue
		}
		results[p] = BatchFileResult{Content: content}
	}
	return results
}

// FetchRepositoryMetadata combines basic repo info, language byte
// percentages, topics, and a structural scan of the root tree.
func (c *Client) FetchRepositoryMetadata(ctx context.Context, owner, repo string) (*RepoMetadata, error) {
	if c.mockMode {
		return mockRepoMetadata(owner, repo), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo}
	meta := &RepoMetadata{}
	var languageBytes map[string]int64
	var rootEntries []contentEntry

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)

	eg.Go(func() error {
		var repository Repository
		endpoint := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
		if err := c.getJSON(gctx, endpoint, "fetch repository", ec, &repository); err != nil {
			return err
		}
		meta.BasicInfo = &repository
		return nil
	})
	eg.Go(func() error {
		endpoint := fmt.Sprintf("%s/repos/%s/%s/languages", c.baseURL, owner, repo)
		return c.getJSON(gctx, endpoint, "fetch languages", ec, &languageBytes)
	})
	eg.Go(func() error {
		var topics struct {
			Names []string `json:"names"`
		}
		endpoint := fmt.Sprintf("%s/repos/%s/%s/topics", c.baseURL, owner, repo)
		if err := c.getJSON(gctx, endpoint, "fetch topics", ec, &topics); err != nil {
			return err
		}
		meta.Topics = topics.Names
		return nil
	})
	eg.Go(func() error {
		endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/", c.baseURL, owner, repo)
		return c.getJSON(gctx, endpoint, "list root contents", ec, &rootEntries)
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	meta.Languages = languagePercentages(languageBytes)
	meta.Structure = scanStructure(rootEntries)
	if meta.BasicInfo != nil {
		meta.License = meta.BasicInfo.License
	}
	return meta, nil
}

func languagePercentages(byBytes map[string]int64) map[string]float64 {
	out := make(map[string]float64, len(byBytes))
	var total int64
	for _, b := range byBytes {
		total += b
	}
	if total == 0 {
		return out
	}
	for lang, b := range byBytes {
		out[lang] = float64(b) / float64(total) * 100
	}
	return out
}

var testDirNames = map[string]bool{
	"test": true, "tests": true, "spec": true, "specs": true, "__tests__": true, "testing": true,
}

// isTestFileName matches the common test-file naming conventions across
// ecosystems: test_*, *_test.*, *.spec.*, *.test.*.
func isTestFileName(name string) bool {
	lower := strings.ToLower(path.Base(name))
	return strings.HasPrefix(lower, "test_") ||
		strings.Contains(lower, "_test.") ||
		strings.Contains(lower, ".spec.") ||
		strings.Contains(lower, ".test.")
}

func isCIConfigName(name string) bool {
	switch strings.ToLower(name) {
	case ".github", ".travis.yml", ".gitlab-ci.yml", ".circleci", "jenkinsfile", "azure-pipelines.yml", ".drone.yml":
		return true
	}
	return false
}

func scanStructure(entries []contentEntry) RepoStructure {
	s := RepoStructure{}
	for _, e := range entries {
		s.RootEntries = append(s.RootEntries, e.Name)
		lower := strings.ToLower(e.Name)
		switch {
		case strings.HasPrefix(lower, "readme"):
			s.HasReadme = true
		case strings.HasPrefix(lower, "license") || lower == "copying":
			s.HasLicense = true
		case lower == "dockerfile" || strings.HasPrefix(lower, "dockerfile."):
			s.HasDockerfile = true
		}
		if isCIConfigName(e.Name) {
			s.HasCI = true
		}
		if e.Type == "dir" && testDirNames[lower] {
			s.HasTests = true
		}
		if e.Type == "file" && isTestFileName(e.Name) {
			s.HasTests = true
		}
	}
	return s
}

// IdentifyTestFiles heuristically locates test files related to a change
// set: a root structural scan, a one-level walk into directories whose name
// matches a test convention, and filename pattern matching against the
// changed files' base names.
func (c *Client) IdentifyTestFiles(ctx context.Context, owner, repo string, changedFiles []string, ref string) (*TestFileReport, error) {
	if c.mockMode {
		return mockTestFileReport(changedFiles), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo}
	var rootEntries []contentEntry
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/", c.baseURL, owner, repo)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	if err := c.getJSON(ctx, endpoint, "list root contents", ec, &rootEntries); err != nil {
		return nil, err
	}

	report := &TestFileReport{}
	var testFiles []string

	for _, e := range rootEntries {
		switch {
		case e.Type == "file" && isTestFileName(e.Name):
			testFiles = append(testFiles, e.Path)
		case e.Type == "dir" && testDirNames[strings.ToLower(e.Name)]:
			report.TestDirectories = append(report.TestDirectories, e.Path)
			// One level deep is enough for the common layouts.
			var children []contentEntry
			childEndpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, owner, repo, e.Path)
			if ref != "" {
				childEndpoint += "?ref=" + url.QueryEscape(ref)
			}
			if err := c.getJSON(ctx, childEndpoint, "list test directory", ec, &children); err != nil {
				c.logger.Warn("failed to list test directory", "repository", ec.Repository, "dir", e.Path, "error", err)
				continue
			}
			for _, child := range children {
				if child.Type == "file" {
					testFiles = append(testFiles, child.Path)
				}
			}
		}
	}

	stems := changedFileStems(changedFiles)
	for _, tf := range testFiles {
		if matchesChangedStem(tf, stems) {
			report.RelatedTestFiles = append(report.RelatedTestFiles, tf)
		} else {
			report.DirectTestFiles = append(report.DirectTestFiles, tf)
		}
	}
	report.HasTests = len(testFiles) > 0 || len(report.TestDirectories) > 0
	return report, nil
}

// changedFileStems extracts the base names of changed files with test
// affixes and extensions stripped, for relating tests to changes.
func changedFileStems(changedFiles []string) []string {
	var stems []string
	for _, f := range changedFiles {
		base := path.Base(f)
		stem := strings.TrimSuffix(base, path.Ext(base))
		if stem != "" && !isTestFileName(base) {
			stems = append(stems, strings.ToLower(stem))
		}
	}
	return stems
}

func matchesChangedStem(testFile string, stems []string) bool {
	lower := strings.ToLower(path.Base(testFile))
	for _, stem := range stems {
		if strings.Contains(lower, stem) {
			return true
		}
	}
	return false
}

// CreateCommitStatus posts a status on a commit. The state is validated
// before any network attempt.
func (c *Client) CreateCommitStatus(ctx context.Context, owner, repo, sha, state, description, statusContext, targetURL string) (*CommitStatus, error) {
	if !validStatusStates[state] {
		return nil, NewAPIError(KindInvalidConfiguration,
			fmt.Sprintf("invalid commit status state %q: must be one of pending, success, error, failure", state),
			ErrorContext{Repository: owner + "/" + repo, CommitSHA: sha})
	}

	if c.mockMode {
		return mockCommitStatus(state, description, statusContext, targetURL), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo, CommitSHA: sha}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.baseURL, owner, repo, sha)
	ec.Endpoint = endpoint

	payload := map[string]string{
		"state":       state,
		"description": description,
		"context":     statusContext,
	}
	if targetURL != "" {
		payload["target_url"] = targetURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(err, ec)
	}

	res, err := c.request(ctx, http.MethodPost, endpoint, body, ec)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusCreated {
		return nil, c.apiError(ctx, res, fmt.Sprintf("failed to create commit status for %s", sha), ec)
	}

	var status CommitStatus
	if err := json.Unmarshal(res.Body, &status); err != nil {
		apiErr := NewAPIError(KindInvalidResponse, "failed to decode commit status response", ec)
		apiErr.Err = err
		return nil, apiErr
	}
	return &status, nil
}

// GetCommitStatus lists the statuses on a commit.
func (c *Client) GetCommitStatus(ctx context.Context, owner, repo, sha string) ([]CommitStatus, error) {
	if c.mockMode {
		return mockCommitStatuses(sha), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo, CommitSHA: sha}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s/statuses", c.baseURL, owner, repo, sha)
	var statuses []CommitStatus
	if err := c.getJSON(ctx, endpoint, "fetch commit statuses", ec, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// GetRepoDetails fetches basic repository information.
func (c *Client) GetRepoDetails(ctx context.Context, owner, repo string) (*Repository, error) {
	if c.mockMode {
		return mockRepository(owner, repo), nil
	}

	ec := ErrorContext{Repository: owner + "/" + repo}
	endpoint := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	var repository Repository
	if err := c.getJSON(ctx, endpoint, "fetch repository", ec, &repository); err != nil {
		return nil, err
	}
	return &repository, nil
}
