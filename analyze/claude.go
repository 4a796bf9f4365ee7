package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultModel is the Claude model used for commit analysis.
	DefaultModel = "claude-sonnet-4-20250514"

	// ClaudeAPITimeout is the maximum time to wait for a Claude API response.
	ClaudeAPITimeout = 3 * time.Minute

	// MaxRetries is the number of times to retry transient API failures.
	MaxRetries = 3

	// RetryBaseDelay is the initial delay between retries (doubles each attempt).
	RetryBaseDelay = 1 * time.Second

	// maxPatchChars bounds how much patch text goes into one prompt.
	maxPatchChars = 60000
)

const analysisSystemPrompt = `You are a senior engineer reviewing a single commit.
Score the commit on three dimensions, each 0-100:
- implementation: does the change do what the commit message says, completely and correctly
- code_quality: readability, naming, error handling, absence of obvious bugs
- architecture: does the change fit the structure of the codebase, appropriate layering and coupling

Respond with only a JSON object, no prose around it:
{"implementation": <0-100>, "code_quality": <0-100>, "architecture": <0-100>, "summary": "<one or two sentences>", "suggestions": ["<optional improvement>", ...]}`

// modelVerdict is the JSON shape Claude is asked to produce.
type modelVerdict struct {
	Implementation float64  `json:"implementation"`
	CodeQuality    float64  `json:"code_quality"`
	Architecture   float64  `json:"architecture"`
	Summary        string   `json:"summary"`
	Suggestions    []string `json:"suggestions"`
}

// ClaudeAnalyzer scores commits with the Anthropic API for the judgment
// dimensions and local heuristics for testing and documentation.
type ClaudeAnalyzer struct {
	apiKey string
	model  string
	logger *slog.Logger
}

// NewClaudeAnalyzer creates an analyzer backed by the Anthropic API.
func NewClaudeAnalyzer(apiKey, model string, logger *slog.Logger) *ClaudeAnalyzer {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeAnalyzer{apiKey: apiKey, model: model, logger: logger}
}

// isRetryableError checks if an error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}

// retryWithBackoff executes fn with exponential backoff on retryable errors.
func retryWithBackoff[T any](ctx context.Context, logger *slog.Logger, operation string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !isRetryableError(lastErr) {
			return result, lastErr
		}

		if attempt < MaxRetries {
			delay := RetryBaseDelay * (1 << uint(attempt))
			logger.Warn("retrying after transient error",
				"operation", operation, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return result, lastErr
}

// AnalyzeCommit scores one commit. The model covers implementation, code
// quality, and architecture; testing and documentation come from local
// heuristics so they stay available when the API degrades.
func (a *ClaudeAnalyzer) AnalyzeCommit(ctx context.Context, req *Request) (*Report, error) {
	if req.Patches == nil {
		return nil, fmt.Errorf("analysis request has no patches for %s/%s@%s", req.Owner, req.Repo, req.CommitSHA)
	}

	prompt := buildPrompt(req)
	verdict, apiErr := a.callModel(ctx, prompt)
	apiDegraded := apiErr != nil
	if apiDegraded {
		a.logger.Error("model call failed, falling back to neutral judgment scores",
			"repository", req.Owner+"/"+req.Repo, "commit", req.CommitSHA, "error", apiErr)
		verdict = &modelVerdict{
			Implementation: 50,
			CodeQuality:    50,
			Architecture:   50,
			Summary:        "Automated scoring degraded: model unavailable, judgment dimensions defaulted.",
		}
	}

	components := ComponentScores{
		Implementation: clampScore(verdict.Implementation),
		Quality:        clampScore(verdict.CodeQuality),
		Architecture:   clampScore(verdict.Architecture),
		Testing:        scoreTesting(req.Patches, req.TestReport),
		Documentation:  scoreDocumentation(req.Patches),
	}

	report := &Report{
		Owner:       req.Owner,
		Repo:        req.Repo,
		CommitSHA:   req.CommitSHA,
		Components:  components,
		Score:       int(components.Weighted() + 0.5),
		Confidence:  confidence(req, apiDegraded),
		Summary:     verdict.Summary,
		Suggestions: verdict.Suggestions,
		Model:       a.model,
		AnalyzedAt:  time.Now().UTC(),
	}
	report.Status = StatusFor(report.Score)
	return report, nil
}

func (a *ClaudeAnalyzer) callModel(ctx context.Context, prompt string) (*modelVerdict, error) {
	client := anthropic.NewClient(option.WithAPIKey(a.apiKey))

	timeoutCtx, cancel := context.WithTimeout(ctx, ClaudeAPITimeout)
	defer cancel()

	message, err := retryWithBackoff(timeoutCtx, a.logger, "analyzeCommit", func() (*anthropic.Message, error) {
		return client.Messages.New(timeoutCtx, anthropic.MessageNewParams{
			Model:     anthropic.F(anthropic.Model(a.model)),
			MaxTokens: anthropic.F(int64(2048)),
			System: anthropic.F([]anthropic.TextBlockParam{
				anthropic.NewTextBlock(analysisSystemPrompt),
			}),
			Messages: anthropic.F([]anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			}),
		})
	})
	if err != nil {
		return nil, err
	}

	var text string
	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text += block.Text
		}
	}
	return parseVerdict(text)
}

// parseVerdict extracts the JSON verdict from the model response, tolerating
// a fenced code block around it.
func parseVerdict(text string) (*modelVerdict, error) {
	trimmed := strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in model response")
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse model verdict: %w", err)
	}
	return &verdict, nil
}

// buildPrompt renders the commit into the analysis prompt, honoring the
// exclusion globs and the patch size cap.
func buildPrompt(req *Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Repository: %s/%s\n", req.Owner, req.Repo)
	fmt.Fprintf(&b, "Commit: %s\n", req.CommitSHA)
	if req.Patches.CommitData != nil && req.Patches.CommitData.Commit != nil {
		fmt.Fprintf(&b, "Message: %s\n", req.Patches.CommitData.Commit.Message)
	}
	if req.Patches.IsMergeCommit {
		b.WriteString("This is a merge commit; the patches below are against the first parent.\n")
	}
	if req.Metadata != nil && req.Metadata.BasicInfo != nil {
		fmt.Fprintf(&b, "Primary language: %s\n", req.Metadata.BasicInfo.Language)
	}
	fmt.Fprintf(&b, "Stats: +%d -%d across %d files\n\n",
		req.Patches.Stats.Additions, req.Patches.Stats.Deletions, len(req.Patches.Files))
	if req.Patches.FilesTruncated {
		b.WriteString("Note: the file list was truncated upstream; patches below are incomplete.\n\n")
	}

	files := make([]string, 0, len(req.Patches.Patches))
	for f := range req.Patches.Patches {
		if !excluded(f, req.Exclude) {
			files = append(files, f)
		}
	}
	sort.Strings(files)

	written := 0
	for _, f := range files {
		patch := req.Patches.Patches[f]
		if written+len(patch) > maxPatchChars {
			fmt.Fprintf(&b, "--- %s (omitted, prompt budget reached) ---\n", f)
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", f, patch)
		written += len(patch)
	}

	return b.String()
}

// confidence derives how much to trust the report from the completeness of
// its inputs. Never below the floor.
func confidence(req *Request, apiDegraded bool) int {
	c := 100
	if apiDegraded {
		c -= 40
	}
	if req.Patches.FilesTruncated {
		c -= 20
	}
	if req.Patches.IsMergeCommit && req.Patches.ParentComparison == nil {
		c -= 10
	}
	if req.Metadata == nil {
		c -= 10
	}
	if req.TestReport == nil {
		c -= 10
	}
	c -= 5 * req.FetchErrors
	if c < minConfidence {
		c = minConfidence
	}
	return c
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
