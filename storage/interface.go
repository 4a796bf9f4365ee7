// Package storage defines the storage interface for CommitLens.
package storage

import (
	"context"
)

// Storage defines the interface for CommitLens storage backends.
// Implementations must be safe for concurrent use by multiple goroutines.
type Storage interface {
	// Analysis operations
	StoreAnalysis(ctx context.Context, analysis *Analysis) error
	GetAnalysis(ctx context.Context, owner, repo, commitSHA string) (*Analysis, error)
	ListAnalysesForRepo(ctx context.Context, owner, repo string, limit int) ([]*Analysis, error)

	// Installation operations
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)
}
