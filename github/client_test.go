package github

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
)

func newLiveClient(t *testing.T, doer Doer) *Client {
	t.Helper()
	cfg := fastRetryConfig()
	return NewClient(Options{
		AppID:        "123456",
		PrivateKey:   appTestKey(t),
		BaseURL:      testBaseURL,
		HTTPClient:   doer,
		RateTracker:  NewRateLimitTracker(10, false, testLogger()),
		RetryManager: NewRetryManager(cfg, testLogger()),
		Logger:       testLogger(),
	})
}

// stubTokenExchange primes the fake with the auth round trips every live
// operation needs first.
func stubTokenExchange(doer *fakeDoer) {
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_live", "expires_at": "2030-01-01T00:00:00Z"}`})
}

func newMockClient() *Client {
	return NewClient(Options{
		AppID:    "123456",
		MockMode: true,
		Logger:   testLogger(),
	})
}

func TestFetchCommitPatchesMock(t *testing.T) {
	client := newMockClient()

	patches, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "abc123")
	if err != nil {
		t.Fatalf("FetchCommitPatches() error = %v", err)
	}
	if patches.Stats.Total != 1 {
		t.Errorf("Stats.Total = %d, want 1", patches.Stats.Total)
	}
	if patches.IsMergeCommit {
		t.Error("IsMergeCommit = true for the mock commit")
	}
	if len(patches.Patches) != 1 {
		t.Errorf("Patches has %d entries, want 1", len(patches.Patches))
	}
	if patches.CommitData.SHA != "abc123" {
		t.Errorf("CommitData.SHA = %q, want abc123", patches.CommitData.SHA)
	}

	// Mock responses are deterministic across calls.
	again, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "abc123")
	if err != nil {
		t.Fatalf("second FetchCommitPatches() error = %v", err)
	}
	if again.CommitData.Commit.Message != patches.CommitData.Commit.Message {
		t.Error("mock commit message changed between calls")
	}
}

func TestFetchCommitPatchesLive(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/commits/abc123", fakeResponse{status: 200, body: `{
		"sha": "abc123",
		"commit": {"message": "Fix parser"},
		"parents": [{"sha": "p1"}],
		"stats": {"additions": 5, "deletions": 2, "total": 7},
		"files": [
			{"filename": "parser.go", "status": "modified", "additions": 5, "deletions": 2, "changes": 7, "patch": "@@ -1 +1 @@"}
		]
	}`})

	client := newLiveClient(t, doer)
	patches, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "abc123")
	if err != nil {
		t.Fatalf("FetchCommitPatches() error = %v", err)
	}
	if patches.Stats.Total != 7 {
		t.Errorf("Stats.Total = %d, want 7", patches.Stats.Total)
	}
	if patches.IsMergeCommit {
		t.Error("single-parent commit flagged as merge")
	}
	if patches.Patches["parser.go"] != "@@ -1 +1 @@" {
		t.Errorf("Patches[parser.go] = %q", patches.Patches["parser.go"])
	}
	if len(patches.ParentCommits) != 1 || patches.ParentCommits[0] != "p1" {
		t.Errorf("ParentCommits = %v", patches.ParentCommits)
	}
}

func TestFetchCommitPatchesMergeCommit(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/commits/m3rge", fakeResponse{status: 200, body: `{
		"sha": "m3rge",
		"commit": {"message": "Merge branch feature"},
		"parents": [{"sha": "p1"}, {"sha": "p2"}],
		"stats": {"additions": 1, "deletions": 0, "total": 1},
		"files": []
	}`})
	doer.add("GET", "/repos/octocat/Hello-World/compare/p1...m3rge", fakeResponse{status: 200, body: `{
		"status": "ahead", "ahead_by": 3, "total_commits": 3,
		"files": [{"filename": "feature.go", "status": "added"}]
	}`})

	client := newLiveClient(t, doer)
	patches, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "m3rge")
	if err != nil {
		t.Fatalf("FetchCommitPatches() error = %v", err)
	}
	if !patches.IsMergeCommit {
		t.Fatal("two-parent commit not flagged as merge")
	}
	if patches.ParentComparison == nil || patches.ParentComparison.AheadBy != 3 {
		t.Errorf("ParentComparison = %+v", patches.ParentComparison)
	}
}

func TestFetchCommitPatchesMergeComparisonBestEffort(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/commits/m3rge", fakeResponse{status: 200, body: `{
		"sha": "m3rge",
		"commit": {"message": "Merge branch feature"},
		"parents": [{"sha": "p1"}, {"sha": "p2"}],
		"files": []
	}`})
	doer.add("GET", "/repos/octocat/Hello-World/compare/p1...m3rge",
		fakeResponse{status: 500, body: `{"message": "boom"}`})

	client := newLiveClient(t, doer)
	patches, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "m3rge")
	if err != nil {
		t.Fatalf("FetchCommitPatches() error = %v, comparison failure must not fail the fetch", err)
	}
	if patches.ParentComparison != nil {
		t.Error("ParentComparison set despite comparison failure")
	}
}

func TestFetchCommitPatchesNotFound(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/commits/gone",
		fakeResponse{status: 404, body: `{"message": "No commit found for SHA: gone"}`})

	client := newLiveClient(t, doer)
	_, err := client.FetchCommitPatches(context.Background(), "octocat", "Hello-World", "gone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Kind != KindCommitNotFound {
		t.Errorf("error kind = %v, want commit not found", apiErr.Kind)
	}
}

func TestRequestRefreshesTokenOn401(t *testing.T) {
	doer := newFakeDoer()
	// Initial exchange plus the forced refresh after the 401.
	doer.add("GET", "/repos/octocat/Hello-World/installation",
		fakeResponse{status: 200, body: `{"id": 42}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_stale", "expires_at": "2030-01-01T00:00:00Z"}`})
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_fresh", "expires_at": "2030-01-01T00:00:00Z"}`})
	doer.add("GET", "/repos/octocat/Hello-World", fakeResponse{status: 401, body: `{"message": "Bad credentials"}`})
	doer.add("GET", "/repos/octocat/Hello-World", fakeResponse{status: 200, body: `{"id": 1, "full_name": "octocat/Hello-World"}`})

	client := newLiveClient(t, doer)
	details, err := client.GetRepoDetails(context.Background(), "octocat", "Hello-World")
	if err != nil {
		t.Fatalf("GetRepoDetails() error = %v", err)
	}
	if details.FullName != "octocat/Hello-World" {
		t.Errorf("FullName = %q", details.FullName)
	}

	if got := doer.countRequests("POST", "/app/installations/42/access_tokens"); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2 (initial + forced refresh)", got)
	}
	last := doer.requests[len(doer.requests)-1]
	if auth := last.Header.Get("Authorization"); auth != "token ghs_fresh" {
		t.Errorf("retried request used %q, want the refreshed token", auth)
	}
}

func TestRequestPersistent401Fails(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("POST", "/app/installations/42/access_tokens",
		fakeResponse{status: 201, body: `{"token": "ghs_live2", "expires_at": "2030-01-01T00:00:00Z"}`})
	doer.add("GET", "/repos/octocat/Hello-World", fakeResponse{status: 401, body: `{"message": "Bad credentials"}`})

	client := newLiveClient(t, doer)
	_, err := client.GetRepoDetails(context.Background(), "octocat", "Hello-World")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Kind != KindAuthenticationFailed {
		t.Errorf("error kind = %v, want authentication failed", apiErr.Kind)
	}
	// One refresh attempt, never a loop.
	if got := doer.countRequests("GET", "/repos/octocat/Hello-World"); got != 2 {
		t.Errorf("endpoint hit %d times, want 2", got)
	}
}

func TestFetchFileContents(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("package main\n"))
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/main.go", fakeResponse{status: 200, body: `{
		"type": "file", "encoding": "base64", "size": 13,
		"name": "main.go", "path": "main.go", "sha": "f00",
		"content": "` + encoded + `"
	}`})

	client := newLiveClient(t, doer)
	content, err := client.FetchFileContents(context.Background(), "octocat", "Hello-World", "main.go", "abc123")
	if err != nil {
		t.Fatalf("FetchFileContents() error = %v", err)
	}
	if content.Content != "package main\n" {
		t.Errorf("Content = %q", content.Content)
	}
	if content.IsBinary {
		t.Error("UTF-8 content flagged binary")
	}

	// The ref must be forwarded.
	var sawRef bool
	for _, req := range doer.requests {
		if req.URL.Path == "/repos/octocat/Hello-World/contents/main.go" && req.URL.Query().Get("ref") == "abc123" {
			sawRef = true
		}
	}
	if !sawRef {
		t.Error("ref query parameter not sent")
	}
}

func TestFetchFileContentsBinary(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe})
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/logo.png", fakeResponse{status: 200, body: `{
		"type": "file", "encoding": "base64", "size": 6,
		"name": "logo.png", "path": "logo.png", "sha": "f01",
		"content": "` + encoded + `"
	}`})

	client := newLiveClient(t, doer)
	content, err := client.FetchFileContents(context.Background(), "octocat", "Hello-World", "logo.png", "")
	if err != nil {
		t.Fatalf("FetchFileContents() error = %v", err)
	}
	if !content.IsBinary {
		t.Error("non-UTF-8 content not flagged binary")
	}
	if content.Content != "" {
		t.Errorf("binary Content = %q, want empty", content.Content)
	}
}

func TestFetchFileContentsDirectory(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/src",
		fakeResponse{status: 200, body: `[{"type": "file", "name": "main.go"}]`})

	client := newLiveClient(t, doer)
	_, err := client.FetchFileContents(context.Background(), "octocat", "Hello-World", "src", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindMalformedData {
		t.Errorf("directory fetch error = %v, want malformed data", err)
	}
}

func TestFetchFileContentsTooLarge(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/huge.bin",
		fakeResponse{status: 403, body: `{"message": "This API returns blobs up to 1 MB in size. The requested blob is too large"}`})

	client := newLiveClient(t, doer)
	_, err := client.FetchFileContents(context.Background(), "octocat", "Hello-World", "huge.bin", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Kind != KindLargeResponse {
		t.Errorf("error kind = %v, want large response, not a generic 403", apiErr.Kind)
	}
}

func TestFetchMultipleFileContents(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("ok"))
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/good.go", fakeResponse{status: 200, body: `{
		"type": "file", "encoding": "base64", "name": "good.go", "path": "good.go", "content": "` + encoded + `"
	}`})
	doer.add("GET", "/repos/octocat/Hello-World/contents/missing.go",
		fakeResponse{status: 404, body: `{"message": "Not Found"}`})

	client := newLiveClient(t, doer)
	results := client.FetchMultipleFileContents(context.Background(), "octocat", "Hello-World",
		[]string{"good.go", "missing.go"}, "")

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results["good.go"].Error != nil || results["good.go"].Content.Content != "ok" {
		t.Errorf("good.go = %+v", results["good.go"])
	}
	if results["missing.go"].Error == nil {
		t.Fatal("missing.go error not recorded inline")
	}
	if results["missing.go"].Error.Kind != KindFileNotFound {
		t.Errorf("missing.go error kind = %v", results["missing.go"].Error.Kind)
	}
}

func TestCreateCommitStatusValidatesState(t *testing.T) {
	doer := newFakeDoer()
	client := newLiveClient(t, doer)

	_, err := client.CreateCommitStatus(context.Background(), "octocat", "Hello-World", "abc123",
		"maybe", "unsure", "commitlens/analysis", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindInvalidConfiguration {
		t.Fatalf("error = %v, want invalid configuration", err)
	}
	if len(doer.requests) != 0 {
		t.Errorf("%d requests sent for an invalid state, want 0", len(doer.requests))
	}
}

func TestCreateCommitStatus(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("POST", "/repos/octocat/Hello-World/statuses/abc123",
		fakeResponse{status: 201, body: `{"id": 7, "state": "success", "context": "commitlens/analysis"}`})

	client := newLiveClient(t, doer)
	status, err := client.CreateCommitStatus(context.Background(), "octocat", "Hello-World", "abc123",
		"success", "Score: 92/100", "commitlens/analysis", "https://example.test/report")
	if err != nil {
		t.Fatalf("CreateCommitStatus() error = %v", err)
	}
	if status.ID != 7 || status.State != "success" {
		t.Errorf("status = %+v", status)
	}
}

func TestFetchRepositoryMetadata(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World", fakeResponse{status: 200, body: `{
		"id": 1, "full_name": "octocat/Hello-World", "language": "Go",
		"license": {"key": "mit", "name": "MIT License"}
	}`})
	doer.add("GET", "/repos/octocat/Hello-World/languages",
		fakeResponse{status: 200, body: `{"Go": 7500, "Shell": 2500}`})
	doer.add("GET", "/repos/octocat/Hello-World/topics",
		fakeResponse{status: 200, body: `{"names": ["cli", "parser"]}`})
	doer.add("GET", "/repos/octocat/Hello-World/contents/", fakeResponse{status: 200, body: `[
		{"type": "file", "name": "README.md", "path": "README.md"},
		{"type": "file", "name": "LICENSE", "path": "LICENSE"},
		{"type": "file", "name": "Dockerfile", "path": "Dockerfile"},
		{"type": "dir", "name": ".github", "path": ".github"},
		{"type": "dir", "name": "tests", "path": "tests"}
	]`})

	client := newLiveClient(t, doer)
	meta, err := client.FetchRepositoryMetadata(context.Background(), "octocat", "Hello-World")
	if err != nil {
		t.Fatalf("FetchRepositoryMetadata() error = %v", err)
	}

	if meta.Languages["Go"] != 75 || meta.Languages["Shell"] != 25 {
		t.Errorf("Languages = %v, want percentages 75/25", meta.Languages)
	}
	if len(meta.Topics) != 2 {
		t.Errorf("Topics = %v", meta.Topics)
	}
	s := meta.Structure
	if !s.HasReadme || !s.HasLicense || !s.HasDockerfile || !s.HasCI || !s.HasTests {
		t.Errorf("Structure = %+v", s)
	}
	if meta.License == nil || meta.License.Key != "mit" {
		t.Errorf("License = %+v", meta.License)
	}
}

func TestIdentifyTestFiles(t *testing.T) {
	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World/contents/", fakeResponse{status: 200, body: `[
		{"type": "file", "name": "main.go", "path": "main.go"},
		{"type": "file", "name": "parser_test.go", "path": "parser_test.go"},
		{"type": "dir", "name": "tests", "path": "tests"}
	]`})
	doer.add("GET", "/repos/octocat/Hello-World/contents/tests", fakeResponse{status: 200, body: `[
		{"type": "file", "name": "test_integration.py", "path": "tests/test_integration.py"}
	]`})

	client := newLiveClient(t, doer)
	report, err := client.IdentifyTestFiles(context.Background(), "octocat", "Hello-World",
		[]string{"parser.go"}, "abc123")
	if err != nil {
		t.Fatalf("IdentifyTestFiles() error = %v", err)
	}
	if !report.HasTests {
		t.Error("HasTests = false")
	}
	if len(report.TestDirectories) != 1 || report.TestDirectories[0] != "tests" {
		t.Errorf("TestDirectories = %v", report.TestDirectories)
	}
	var related bool
	for _, f := range report.RelatedTestFiles {
		if f == "parser_test.go" {
			related = true
		}
	}
	if !related {
		t.Errorf("parser_test.go not related to changed parser.go: %+v", report)
	}
}

func TestMockModeNeedsNoNetwork(t *testing.T) {
	client := newMockClient()
	ctx := context.Background()

	if _, err := client.FetchFileContents(ctx, "octocat", "Hello-World", "main.py", ""); err != nil {
		t.Errorf("FetchFileContents() error = %v", err)
	}
	if _, err := client.FetchRepositoryMetadata(ctx, "octocat", "Hello-World"); err != nil {
		t.Errorf("FetchRepositoryMetadata() error = %v", err)
	}
	if _, err := client.IdentifyTestFiles(ctx, "octocat", "Hello-World", []string{"main.py"}, ""); err != nil {
		t.Errorf("IdentifyTestFiles() error = %v", err)
	}
	if _, err := client.GetRepoDetails(ctx, "octocat", "Hello-World"); err != nil {
		t.Errorf("GetRepoDetails() error = %v", err)
	}
	status, err := client.CreateCommitStatus(ctx, "octocat", "Hello-World", "abc123",
		"pending", "Analyzing", "commitlens/analysis", "")
	if err != nil {
		t.Errorf("CreateCommitStatus() error = %v", err)
	}
	if status.State != "pending" {
		t.Errorf("mock status state = %q", status.State)
	}
	statuses, err := client.GetCommitStatus(ctx, "octocat", "Hello-World", "abc123")
	if err != nil || len(statuses) == 0 {
		t.Errorf("GetCommitStatus() = %v, %v", statuses, err)
	}

	token, err := client.GetToken(ctx, "octocat", "Hello-World")
	if err != nil || token == "" {
		t.Errorf("GetToken() = %q, %v", token, err)
	}
}

func TestRequestObservesRateHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("X-RateLimit-Limit", "5000")
	header.Set("X-RateLimit-Remaining", "4999")
	header.Set("X-RateLimit-Reset", "1900000000")

	doer := newFakeDoer()
	stubTokenExchange(doer)
	doer.add("GET", "/repos/octocat/Hello-World",
		fakeResponse{status: 200, body: `{"id": 1, "full_name": "octocat/Hello-World"}`, header: header})

	client := newLiveClient(t, doer)
	if _, err := client.GetRepoDetails(context.Background(), "octocat", "Hello-World"); err != nil {
		t.Fatalf("GetRepoDetails() error = %v", err)
	}

	status, ok := client.RateTracker().Status("core")
	if !ok {
		t.Fatal("rate tracker saw no headers")
	}
	if status.Limit != 5000 {
		t.Errorf("Limit = %d, want 5000", status.Limit)
	}
	// RecordRequest decrements the freshly observed remaining.
	if status.Remaining != 4998 {
		t.Errorf("Remaining = %d, want 4998", status.Remaining)
	}
}
