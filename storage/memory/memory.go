// Package memory provides an in-memory implementation of the storage
// interface, for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/commitlens/commitlens/storage"
)

// Memory stores analyses and installations in process memory.
type Memory struct {
	mu            sync.RWMutex
	analyses      map[string]*storage.Analysis
	installations map[int64]*storage.Installation
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		analyses:      make(map[string]*storage.Analysis),
		installations: make(map[int64]*storage.Installation),
	}
}

func analysisKey(owner, repo, sha string) string {
	return owner + "/" + repo + "@" + sha
}

// StoreAnalysis stores an analysis, overwriting any previous one for the
// same commit.
func (m *Memory) StoreAnalysis(ctx context.Context, analysis *storage.Analysis) error {
	copied := *analysis
	if copied.CreatedAt == "" {
		copied.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[analysisKey(analysis.Owner, analysis.Repo, analysis.CommitSHA)] = &copied
	return nil
}

// GetAnalysis retrieves an analysis, or nil if absent.
func (m *Memory) GetAnalysis(ctx context.Context, owner, repo, commitSHA string) (*storage.Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[analysisKey(owner, repo, commitSHA)]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

// ListAnalysesForRepo retrieves analyses for a repository, newest first.
// A non-positive limit returns everything.
func (m *Memory) ListAnalysesForRepo(ctx context.Context, owner, repo string, limit int) ([]*storage.Analysis, error) {
	m.mu.RLock()
	var out []*storage.Analysis
	for _, a := range m.analyses {
		if a.Owner == owner && a.Repo == repo {
			copied := *a
			out = append(out, &copied)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveInstallation stores an installation.
func (m *Memory) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	copied := *install
	if copied.InstalledAt == "" {
		copied.InstalledAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installations[install.InstallationID] = &copied
	return nil
}

// GetInstallation retrieves an installation, or nil if absent.
func (m *Memory) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.installations[installationID]
	if !ok {
		return nil, nil
	}
	copied := *in
	return &copied, nil
}

// Verify Memory implements Storage at compile time.
var _ storage.Storage = (*Memory)(nil)
