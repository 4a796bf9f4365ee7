// Package postgres provides a PostgreSQL implementation of the storage
// interface. This is intended for self-hosted deployments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/commitlens/commitlens/storage"
)

// PostgreSQL provides storage operations using PostgreSQL.
type PostgreSQL struct {
	db *sql.DB
}

// New creates a new PostgreSQL storage instance.
func New(db *sql.DB) *PostgreSQL {
	return &PostgreSQL{db: db}
}

// NewFromDSN creates a new PostgreSQL storage instance from a connection string.
func NewFromDSN(dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgreSQL{db: db}, nil
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate creates the required database tables.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS installations (
			installation_id BIGINT PRIMARY KEY,
			account_id BIGINT,
			org_login TEXT NOT NULL,
			installed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			installed_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS analyses (
			id SERIAL PRIMARY KEY,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			score INTEGER NOT NULL,
			components JSONB NOT NULL,
			confidence INTEGER NOT NULL,
			status TEXT NOT NULL,
			summary TEXT,
			suggestions JSONB,
			model TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(owner, repo, commit_sha)
		);

		CREATE INDEX IF NOT EXISTS idx_analyses_repo ON analyses(owner, repo, created_at DESC);
	`

	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// StoreAnalysis stores an analysis in PostgreSQL. Re-analyzing a commit
// overwrites the previous result.
func (p *PostgreSQL) StoreAnalysis(ctx context.Context, analysis *storage.Analysis) error {
	query := `
		INSERT INTO analyses (owner, repo, commit_sha, score, components, confidence, status, summary, suggestions, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (owner, repo, commit_sha) DO UPDATE SET
			score = EXCLUDED.score,
			components = EXCLUDED.components,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			summary = EXCLUDED.summary,
			suggestions = EXCLUDED.suggestions,
			model = EXCLUDED.model,
			created_at = NOW()
	`

	_, err := p.db.ExecContext(ctx, query,
		analysis.Owner,
		analysis.Repo,
		analysis.CommitSHA,
		analysis.Score,
		componentsToJSON(analysis.Components),
		analysis.Confidence,
		analysis.Status,
		analysis.Summary,
		suggestionsToJSON(analysis.Suggestions),
		analysis.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}

	return nil
}

const analysisColumns = `owner, repo, commit_sha, score, components, confidence, status, summary, suggestions, model, created_at`

func scanAnalysis(scan func(...any) error) (*storage.Analysis, error) {
	var analysis storage.Analysis
	var componentsJSON string
	var suggestionsJSON, summary, model sql.NullString
	var createdAt time.Time

	if err := scan(
		&analysis.Owner,
		&analysis.Repo,
		&analysis.CommitSHA,
		&analysis.Score,
		&componentsJSON,
		&analysis.Confidence,
		&analysis.Status,
		&summary,
		&suggestionsJSON,
		&model,
		&createdAt,
	); err != nil {
		return nil, err
	}

	analysis.Components = componentsFromJSON(componentsJSON)
	analysis.Suggestions = suggestionsFromJSON(suggestionsJSON.String)
	analysis.Summary = summary.String
	analysis.Model = model.String
	analysis.CreatedAt = createdAt.Format(time.RFC3339)
	return &analysis, nil
}

// GetAnalysis retrieves an analysis from PostgreSQL, or nil if absent.
func (p *PostgreSQL) GetAnalysis(ctx context.Context, owner, repo, commitSHA string) (*storage.Analysis, error) {
	query := `
		SELECT ` + analysisColumns + `
		FROM analyses
		WHERE owner = $1 AND repo = $2 AND commit_sha = $3
	`

	row := p.db.QueryRowContext(ctx, query, owner, repo, commitSHA)
	analysis, err := scanAnalysis(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return analysis, nil
}

// ListAnalysesForRepo retrieves analyses for a repository, newest first.
// A non-positive limit returns everything.
func (p *PostgreSQL) ListAnalysesForRepo(ctx context.Context, owner, repo string, limit int) ([]*storage.Analysis, error) {
	query := `
		SELECT ` + analysisColumns + `
		FROM analyses
		WHERE owner = $1 AND repo = $2
		ORDER BY created_at DESC
	`
	args := []any{owner, repo}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*storage.Analysis
	for rows.Next() {
		analysis, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		analyses = append(analyses, analysis)
	}

	return analyses, rows.Err()
}

// SaveInstallation stores a new installation.
func (p *PostgreSQL) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_id, org_login, installed_by, installed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (installation_id) DO UPDATE SET
			org_login = EXCLUDED.org_login,
			updated_at = NOW()
	`

	installedAt := time.Now()
	if install.InstalledAt != "" {
		if t, err := time.Parse(time.RFC3339, install.InstalledAt); err == nil {
			installedAt = t
		}
	}

	_, err := p.db.ExecContext(ctx, query,
		install.InstallationID,
		install.AccountID,
		install.OrgLogin,
		install.InstalledBy,
		installedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}

	return nil
}

// GetInstallation retrieves an installation.
func (p *PostgreSQL) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_id, org_login, installed_at, installed_by
		FROM installations
		WHERE installation_id = $1
	`

	var install storage.Installation
	var installedAt time.Time
	var accountID sql.NullInt64
	var installedBy sql.NullString

	err := p.db.QueryRowContext(ctx, query, installationID).Scan(
		&install.InstallationID,
		&accountID,
		&install.OrgLogin,
		&installedAt,
		&installedBy,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}

	install.AccountID = accountID.Int64
	install.InstalledBy = installedBy.String
	install.InstalledAt = installedAt.Format(time.RFC3339)

	return &install, nil
}

// Verify PostgreSQL implements Storage at compile time.
var _ storage.Storage = (*PostgreSQL)(nil)
