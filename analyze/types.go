// Package analyze scores commit quality from patches and repository context.
package analyze

import (
	"context"
	"time"

	"github.com/commitlens/commitlens/github"
)

// Status values for a completed analysis.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailure        = "failure"
)

// Score thresholds mapping a weighted score to a status.
const (
	successThreshold        = 90
	partialSuccessThreshold = 50
)

// Component weights for the overall score. They sum to 1.
const (
	weightImplementation = 0.35
	weightQuality        = 0.25
	weightArchitecture   = 0.15
	weightTesting        = 0.15
	weightDocumentation  = 0.10
)

// minConfidence is the floor below which confidence never drops: even a
// badly degraded analysis carries some signal.
const minConfidence = 20

// Request carries everything an analyzer needs for one commit.
type Request struct {
	Owner     string
	Repo      string
	CommitSHA string

	Patches    *github.CommitPatches
	Metadata   *github.RepoMetadata
	TestReport *github.TestFileReport

	// Exclude lists glob patterns for files to skip during analysis.
	Exclude []string

	// FetchErrors counts upstream fetch failures that degraded the input.
	FetchErrors int
}

// ComponentScores are the per-dimension quality scores, each 0-100.
type ComponentScores struct {
	Implementation float64 `json:"implementation"`
	Quality        float64 `json:"code_quality"`
	Architecture   float64 `json:"architecture"`
	Testing        float64 `json:"testing"`
	Documentation  float64 `json:"documentation"`
}

// Weighted collapses the component scores into one 0-100 value.
func (s ComponentScores) Weighted() float64 {
	return s.Implementation*weightImplementation +
		s.Quality*weightQuality +
		s.Architecture*weightArchitecture +
		s.Testing*weightTesting +
		s.Documentation*weightDocumentation
}

// Report is the outcome of analyzing one commit.
type Report struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	CommitSHA string `json:"commit_sha"`

	Score      int             `json:"score"` // weighted, 0-100
	Components ComponentScores `json:"components"`
	Confidence int             `json:"confidence"` // 0-100
	Status     string          `json:"status"`

	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions,omitempty"`

	Model      string    `json:"model,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// StatusFor maps a weighted score onto the commit status taxonomy.
func StatusFor(score int) string {
	switch {
	case score >= successThreshold:
		return StatusSuccess
	case score >= partialSuccessThreshold:
		return StatusPartialSuccess
	default:
		return StatusFailure
	}
}

// Analyzer scores one commit. Implementations must be safe for concurrent
// use.
type Analyzer interface {
	AnalyzeCommit(ctx context.Context, req *Request) (*Report, error)
}
