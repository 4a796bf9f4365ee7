// Package main provides the CommitLens HTTP server.
//
// Configuration via environment variables:
//
//	GITHUB_APP_ID            - GitHub App ID (required outside mock mode)
//	GITHUB_PRIVATE_KEY       - GitHub App private key in PEM format
//	GITHUB_PRIVATE_KEY_PATH  - Path to the private key file (alternative)
//	GITHUB_WEBHOOK_SECRET    - Webhook signature secret (empty disables verification)
//	GITHUB_API_BASE_URL      - GitHub API endpoint override (default: api.github.com)
//	ANTHROPIC_API_KEY        - Anthropic API key for Claude (required outside mock mode)
//	DATABASE_URL             - PostgreSQL connection string (empty selects in-memory storage)
//	MOCK_MODE                - Serve deterministic fake GitHub/Claude responses
//	PUBLIC_BASE_URL          - External URL used as the commit status target (optional)
//	PORT                     - HTTP server port (default: 8080)
//
// Usage:
//
//	go run cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/commitlens/commitlens/analyze"
	"github.com/commitlens/commitlens/config"
	"github.com/commitlens/commitlens/github"
	"github.com/commitlens/commitlens/storage"
	"github.com/commitlens/commitlens/storage/memory"
	"github.com/commitlens/commitlens/storage/postgres"
)

// analysisTimeout bounds the whole per-push pipeline, Claude call included.
const analysisTimeout = 5 * time.Minute

var (
	logger         *slog.Logger
	cfg            *config.Config
	webhookHandler *github.WebhookHandler
	githubClient   *github.Client
	repoLoader     *config.RepoLoader
	analyzer       analyze.Analyzer
	store          storage.Storage
	pgStorage      *postgres.PostgreSQL
	publicBaseURL  string
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	if pgStorage != nil {
		defer pgStorage.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", handleWebhook)
	mux.HandleFunc("/analysis/", handleGetAnalysis)
	mux.HandleFunc("/healthcheck", handleHealthcheck)
	mux.HandleFunc("/", handleRoot)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second, // Long timeout for Claude API calls
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", cfg.Port, "mock_mode", cfg.MockMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func initialize() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	publicBaseURL = strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")

	if cfg.DatabaseURL != "" {
		pgStorage, err = postgres.NewFromDSN(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pgStorage.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		store = pgStorage
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = memory.New()
	}

	retryConfig := github.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryConfig.MaxRetries = cfg.MaxRetries
	}

	githubClient = github.NewClient(github.Options{
		AppID:        cfg.AppID,
		PrivateKey:   cfg.PrivateKey,
		BaseURL:      cfg.APIBaseURL,
		MockMode:     cfg.MockMode,
		RateTracker:  github.NewRateLimitTracker(cfg.RateLimitBuffer, true, logger),
		RetryManager: github.NewRetryManager(retryConfig, logger),
		Logger:       logger,
	})
	webhookHandler = github.NewWebhookHandler(cfg.WebhookSecret)
	repoLoader = config.NewRepoLoader(githubClient)

	if cfg.MockMode {
		analyzer = analyze.NewMockAnalyzer()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := analyze.ValidateAPIKey(ctx, cfg.AnthropicAPIKey); err != nil {
			return fmt.Errorf("anthropic API key validation failed: %w", err)
		}
		analyzer = analyze.NewClaudeAnalyzer(cfg.AnthropicAPIKey, analyze.DefaultModel, logger)
	}

	logger.Info("initialized",
		"app_id", cfg.AppID,
		"storage", storageName(),
		"mock_mode", cfg.MockMode,
	)

	return nil
}

func storageName() string {
	if pgStorage != nil {
		return "postgres"
	}
	return "memory"
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":   "CommitLens",
		"status": "running",
	})
}

func handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// recentAnalysesLimit caps the repo-level listing response.
const recentAnalysesLimit = 20

// handleGetAnalysis serves GET /analysis/{owner}/{repo}/{sha} and the
// repo-level listing GET /analysis/{owner}/{repo}.
func handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/analysis/"), "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		analyses, err := store.ListAnalysesForRepo(r.Context(), parts[0], parts[1], recentAnalysesLimit)
		if err != nil {
			logger.Error("failed to list analyses", "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]any{
			"owner":    parts[0],
			"repo":     parts[1],
			"analyses": analyses,
		})
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		analysis, err := store.GetAnalysis(r.Context(), parts[0], parts[1], parts[2])
		if err != nil {
			logger.Error("failed to load analysis", "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if analysis == nil {
			http.NotFound(w, r)
			return
		}
		jsonResponse(w, http.StatusOK, analysis)
	default:
		http.Error(w, "expected /analysis/{owner}/{repo}[/{sha}]", http.StatusBadRequest)
	}
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	logger.Info("received webhook", "event", eventType, "size", len(payload))

	// An empty secret disables verification, which is only sane locally.
	if cfg.WebhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := webhookHandler.VerifySignature(payload, signature); err != nil {
			logger.Error("signature verification failed", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	switch eventType {
	case "ping":
		logger.Info("received ping")
		jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	case "installation", "installation_repositories":
		handleInstallation(w, payload)
		return
	case "push":
		// handled below
	default:
		logger.Info("ignoring event", "type", eventType)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	event, err := webhookHandler.ParsePushEvent(payload)
	if err != nil {
		logger.Error("failed to parse event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	if !webhookHandler.ShouldProcess(eventType, event) {
		logger.Info("skipping push", "ref", event.Ref, "after", event.After)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event skipped"})
		return
	}

	owner, repo, err := github.SplitFullName(event.Repository.FullName)
	if err != nil {
		logger.Error("malformed repository name", "error", err)
		http.Error(w, "malformed repository name", http.StatusBadRequest)
		return
	}

	commits := webhookHandler.AnalyzableCommits(event)
	logger.Info("processing push",
		"repo", event.Repository.FullName,
		"ref", event.Ref,
		"commits", len(commits),
	)

	// Respond immediately to GitHub
	jsonResponse(w, http.StatusOK, map[string]string{"message": "analysis started"})

	go processPush(owner, repo, event.After, commits)
}

func handleInstallation(w http.ResponseWriter, payload []byte) {
	event, err := webhookHandler.ParseInstallationEvent(payload)
	if err != nil {
		logger.Error("failed to parse installation event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	logger.Info("installation event", "action", event.Action, "installation_id", event.Installation.ID)

	if event.Action == "created" {
		install := &storage.Installation{
			InstallationID: event.Installation.ID,
			InstalledAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if event.Installation.Account != nil {
			install.AccountID = event.Installation.Account.ID
			install.OrgLogin = event.Installation.Account.Login
		}
		if event.Sender != nil {
			install.InstalledBy = event.Sender.Login
		}
		if err := store.SaveInstallation(context.Background(), install); err != nil {
			logger.Error("failed to save installation", "error", err)
		}
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "ok"})
}

// processPush runs the analysis pipeline for every commit in a push.
func processPush(owner, repo, headSHA string, commits []string) {
	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()

	repoCfg, err := repoLoader.Load(ctx, owner, repo, headSHA)
	if err != nil {
		logger.Error("failed to load repo config, using defaults",
			"repo", owner+"/"+repo, "error", err)
		repoCfg = config.DefaultRepoConfig()
	}
	if !repoCfg.Enabled {
		logger.Info("analysis disabled for repository", "repo", owner+"/"+repo)
		return
	}

	for _, sha := range commits {
		if err := analyzeCommit(ctx, owner, repo, sha, repoCfg); err != nil {
			logger.Error("commit analysis failed",
				"repo", owner+"/"+repo, "sha", sha, "error", err)
		}
	}
}

func analyzeCommit(ctx context.Context, owner, repo, sha string, repoCfg *config.RepoConfig) error {
	if _, err := githubClient.CreateCommitStatus(ctx, owner, repo, sha,
		"pending", "Analyzing commit quality...", repoCfg.StatusContext, ""); err != nil {
		logger.Warn("failed to set pending status", "sha", sha, "error", err)
	}

	patches, err := githubClient.FetchCommitPatches(ctx, owner, repo, sha)
	if err != nil {
		_, _ = githubClient.CreateCommitStatus(ctx, owner, repo, sha,
			"error", "Analysis failed: could not fetch commit", repoCfg.StatusContext, "")
		return fmt.Errorf("failed to fetch commit patches: %w", err)
	}

	// Metadata and the test inventory are best-effort; their absence only
	// lowers confidence.
	fetchErrors := 0
	metadata, err := githubClient.FetchRepositoryMetadata(ctx, owner, repo)
	if err != nil {
		logger.Warn("failed to fetch repository metadata", "repo", owner+"/"+repo, "error", err)
		fetchErrors++
		metadata = nil
	}

	changed := make([]string, 0, len(patches.Files))
	for _, f := range patches.Files {
		changed = append(changed, f.Filename)
	}
	testReport, err := githubClient.IdentifyTestFiles(ctx, owner, repo, changed, sha)
	if err != nil {
		logger.Warn("failed to identify test files", "repo", owner+"/"+repo, "error", err)
		fetchErrors++
		testReport = nil
	}

	report, err := analyzer.AnalyzeCommit(ctx, &analyze.Request{
		Owner:       owner,
		Repo:        repo,
		CommitSHA:   sha,
		Patches:     patches,
		Metadata:    metadata,
		TestReport:  testReport,
		Exclude:     repoCfg.Exclude,
		FetchErrors: fetchErrors,
	})
	if err != nil {
		_, _ = githubClient.CreateCommitStatus(ctx, owner, repo, sha,
			"error", "Analysis failed", repoCfg.StatusContext, "")
		return fmt.Errorf("analysis failed: %w", err)
	}

	if err := store.StoreAnalysis(ctx, toStoredAnalysis(report)); err != nil {
		logger.Error("failed to store analysis", "sha", sha, "error", err)
	}

	state, description := statusForReport(report, repoCfg)
	if _, err := githubClient.CreateCommitStatus(ctx, owner, repo, sha,
		state, description, repoCfg.StatusContext, analysisURL(owner, repo, sha)); err != nil {
		return fmt.Errorf("failed to set final status: %w", err)
	}

	logger.Info("commit analyzed",
		"repo", owner+"/"+repo,
		"sha", sha,
		"score", report.Score,
		"status", report.Status,
		"confidence", report.Confidence,
	)
	return nil
}

// statusForReport maps an analysis report to a GitHub commit status.
func statusForReport(report *analyze.Report, repoCfg *config.RepoConfig) (state, description string) {
	status := report.Status
	if repoCfg.MinScoreForSuccess > 0 {
		if report.Score >= repoCfg.MinScoreForSuccess {
			status = analyze.StatusSuccess
		} else {
			status = analyze.StatusFailure
		}
	}

	switch status {
	case analyze.StatusSuccess:
		return "success", fmt.Sprintf("Quality score: %d/100", report.Score)
	case analyze.StatusPartialSuccess:
		return "success", fmt.Sprintf("Quality score: %d/100 (partial)", report.Score)
	default:
		return "failure", fmt.Sprintf("Quality score: %d/100", report.Score)
	}
}

func analysisURL(owner, repo, sha string) string {
	if publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/analysis/%s/%s/%s", publicBaseURL, owner, repo, sha)
}

func toStoredAnalysis(report *analyze.Report) *storage.Analysis {
	return &storage.Analysis{
		Owner:     report.Owner,
		Repo:      report.Repo,
		CommitSHA: report.CommitSHA,
		Score:     report.Score,
		Components: storage.ComponentScores{
			Implementation: report.Components.Implementation,
			Quality:        report.Components.Quality,
			Architecture:   report.Components.Architecture,
			Testing:        report.Components.Testing,
			Documentation:  report.Components.Documentation,
		},
		Confidence:  report.Confidence,
		Status:      report.Status,
		Summary:     report.Summary,
		Suggestions: report.Suggestions,
		Model:       report.Model,
		CreatedAt:   report.AnalyzedAt.UTC().Format(time.RFC3339),
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
