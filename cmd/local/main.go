// Package main analyzes a single commit from the command line.
//
// Usage:
//
//	go run cmd/local/main.go <owner> <repo> <commit-sha>
//
// With MOCK_MODE=true no credentials or network access are needed and the
// analysis runs against deterministic fake data. Otherwise the same
// environment variables as cmd/server apply.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/commitlens/commitlens/analyze"
	"github.com/commitlens/commitlens/config"
	"github.com/commitlens/commitlens/github"
)

const analysisTimeout = 5 * time.Minute

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))

	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: local <owner> <repo> <commit-sha>")
		os.Exit(2)
	}
	owner, repo, sha := os.Args[1], os.Args[2], os.Args[3]

	report, err := run(logger, owner, repo, sha)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}

	printReport(report)
}

func run(logger *slog.Logger, owner, repo, sha string) (*analyze.Report, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	retryConfig := github.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryConfig.MaxRetries = cfg.MaxRetries
	}

	client := github.NewClient(github.Options{
		AppID:        cfg.AppID,
		PrivateKey:   cfg.PrivateKey,
		BaseURL:      cfg.APIBaseURL,
		MockMode:     cfg.MockMode,
		RateTracker:  github.NewRateLimitTracker(cfg.RateLimitBuffer, true, logger),
		RetryManager: github.NewRetryManager(retryConfig, logger),
		Logger:       logger,
	})

	var analyzer analyze.Analyzer
	if cfg.MockMode {
		logger.Info("running in mock mode")
		analyzer = analyze.NewMockAnalyzer()
	} else {
		analyzer = analyze.NewClaudeAnalyzer(cfg.AnthropicAPIKey, analyze.DefaultModel, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()

	repoCfg, err := config.NewRepoLoader(client).Load(ctx, owner, repo, sha)
	if err != nil {
		logger.Warn("failed to load repo config, using defaults", "error", err)
		repoCfg = config.DefaultRepoConfig()
	}

	logger.Info("fetching commit", "repo", owner+"/"+repo, "sha", sha)
	patches, err := client.FetchCommitPatches(ctx, owner, repo, sha)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commit patches: %w", err)
	}

	fetchErrors := 0
	metadata, err := client.FetchRepositoryMetadata(ctx, owner, repo)
	if err != nil {
		logger.Warn("failed to fetch repository metadata", "error", err)
		fetchErrors++
	}

	changed := make([]string, 0, len(patches.Files))
	for _, f := range patches.Files {
		changed = append(changed, f.Filename)
	}
	testReport, err := client.IdentifyTestFiles(ctx, owner, repo, changed, sha)
	if err != nil {
		logger.Warn("failed to identify test files", "error", err)
		fetchErrors++
	}

	logger.Info("analyzing commit", "files", len(patches.Files), "truncated", patches.FilesTruncated)
	return analyzer.AnalyzeCommit(ctx, &analyze.Request{
		Owner:       owner,
		Repo:        repo,
		CommitSHA:   sha,
		Patches:     patches,
		Metadata:    metadata,
		TestReport:  testReport,
		Exclude:     repoCfg.Exclude,
		FetchErrors: fetchErrors,
	})
}

func printReport(report *analyze.Report) {
	fmt.Printf("\n%s/%s @ %s\n", report.Owner, report.Repo, report.CommitSHA)
	fmt.Printf("Score:      %d/100 (%s)\n", report.Score, report.Status)
	fmt.Printf("Confidence: %d/100\n", report.Confidence)
	fmt.Println("Components:")
	fmt.Printf("  implementation: %.0f\n", report.Components.Implementation)
	fmt.Printf("  code quality:   %.0f\n", report.Components.Quality)
	fmt.Printf("  architecture:   %.0f\n", report.Components.Architecture)
	fmt.Printf("  testing:        %.0f\n", report.Components.Testing)
	fmt.Printf("  documentation:  %.0f\n", report.Components.Documentation)
	if report.Summary != "" {
		fmt.Printf("\n%s\n", report.Summary)
	}
	for _, s := range report.Suggestions {
		fmt.Printf("  - %s\n", s)
	}

	// Machine-readable copy for piping into jq and friends.
	if os.Getenv("OUTPUT_JSON") != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
}
