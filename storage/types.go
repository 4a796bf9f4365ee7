package storage

// Installation represents a GitHub App installation.
type Installation struct {
	InstallationID int64  `json:"installation_id"`
	AccountID      int64  `json:"account_id,omitempty"`
	OrgLogin       string `json:"org_login"`
	InstalledAt    string `json:"installed_at"`
	InstalledBy    string `json:"installed_by"`
}

// ComponentScores are the per-dimension quality scores of an analysis.
type ComponentScores struct {
	Implementation float64 `json:"implementation"`
	Quality        float64 `json:"code_quality"`
	Architecture   float64 `json:"architecture"`
	Testing        float64 `json:"testing"`
	Documentation  float64 `json:"documentation"`
}

// Analysis represents a stored commit analysis.
type Analysis struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	CommitSHA string `json:"commit_sha"`

	Score      int             `json:"score"`
	Components ComponentScores `json:"components"`
	Confidence int             `json:"confidence"`
	Status     string          `json:"status"`

	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions,omitempty"`

	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at"`
}
