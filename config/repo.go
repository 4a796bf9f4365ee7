package config

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/commitlens/commitlens/github"
)

// DefaultRepoConfigPath is where repositories opt in to custom behavior.
const DefaultRepoConfigPath = ".github/commitlens.yml"

// DefaultStatusContext labels the commit statuses we post.
const DefaultStatusContext = "commitlens/analysis"

// RepoParseError indicates a configuration file exists but contains invalid
// content. Distinct from "file not found", which selects the defaults.
type RepoParseError struct {
	Path string
	Err  error
}

func (e *RepoParseError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Err)
}

func (e *RepoParseError) Unwrap() error {
	return e.Err
}

// RepoConfig is the per-repository configuration from .github/commitlens.yml.
type RepoConfig struct {
	// Enabled determines if analysis runs for this repository.
	Enabled bool `yaml:"enabled"`
	// Exclude is a list of glob patterns for files to skip during analysis.
	// Example: ["vendor/**", "*.gen.go", "docs/**"]
	Exclude []string `yaml:"exclude"`
	// StatusContext overrides the commit status label.
	StatusContext string `yaml:"status_context"`
	// MinScoreForSuccess overrides the success threshold. Zero keeps the
	// default.
	MinScoreForSuccess int `yaml:"min_score_for_success"`
}

// DefaultRepoConfig returns the default per-repository configuration.
func DefaultRepoConfig() *RepoConfig {
	return &RepoConfig{
		Enabled:       true,
		StatusContext: DefaultStatusContext,
	}
}

// ParseRepoConfig parses a repository config from YAML content.
func ParseRepoConfig(content []byte) (*RepoConfig, error) {
	cfg := DefaultRepoConfig()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the per-repository configuration.
func (c *RepoConfig) Validate() error {
	if c.MinScoreForSuccess < 0 || c.MinScoreForSuccess > 100 {
		return fmt.Errorf("min_score_for_success must be between 0 and 100, got %d", c.MinScoreForSuccess)
	}
	if c.StatusContext == "" {
		c.StatusContext = DefaultStatusContext
	}
	return nil
}

// RepoLoader loads per-repository configuration through the GitHub client.
type RepoLoader struct {
	client *github.Client
}

// NewRepoLoader creates a repository config loader.
func NewRepoLoader(client *github.Client) *RepoLoader {
	return &RepoLoader{client: client}
}

// Load fetches and parses the config from a repository at ref.
// A missing file returns the default config; an invalid file returns a
// RepoParseError so callers can distinguish the two.
func (l *RepoLoader) Load(ctx context.Context, owner, repo, ref string) (*RepoConfig, error) {
	content, err := l.client.FetchFileContents(ctx, owner, repo, DefaultRepoConfigPath, ref)
	if err != nil {
		var apiErr *github.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == github.KindFileNotFound {
			return DefaultRepoConfig(), nil
		}
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	if content.IsBinary || content.Content == "" {
		return DefaultRepoConfig(), nil
	}

	cfg, err := ParseRepoConfig([]byte(content.Content))
	if err != nil {
		return nil, &RepoParseError{Path: DefaultRepoConfigPath, Err: err}
	}
	return cfg, nil
}
