package analyze

import (
	"context"
	"time"
)

// MockAnalyzer produces deterministic reports without any API access, for
// local development and tests.
type MockAnalyzer struct{}

// NewMockAnalyzer creates a mock analyzer.
func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{}
}

// AnalyzeCommit returns a stable report derived only from the request, with
// the heuristic dimensions computed for real so local runs still exercise
// them.
func (m *MockAnalyzer) AnalyzeCommit(ctx context.Context, req *Request) (*Report, error) {
	components := ComponentScores{
		Implementation: 85,
		Quality:        80,
		Architecture:   75,
		Testing:        scoreTesting(req.Patches, req.TestReport),
		Documentation:  scoreDocumentation(req.Patches),
	}

	report := &Report{
		Owner:      req.Owner,
		Repo:       req.Repo,
		CommitSHA:  req.CommitSHA,
		Components: components,
		Score:      int(components.Weighted() + 0.5),
		Confidence: confidence(req, false),
		Summary:    "Mock analysis: judgment dimensions are fixed, testing and documentation scored from the patches.",
		Model:      "mock",
		AnalyzedAt: time.Now().UTC(),
	}
	report.Status = StatusFor(report.Score)
	return report, nil
}
