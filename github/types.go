package github

import "time"

// PushEvent represents a GitHub push webhook payload, trimmed to the fields
// the analysis pipeline needs.
type PushEvent struct {
	Ref          string        `json:"ref"`
	Before       string        `json:"before"`
	After        string        `json:"after"`
	Repository   *Repository   `json:"repository"`
	HeadCommit   *PushCommit   `json:"head_commit"`
	Commits      []PushCommit  `json:"commits"`
	Pusher       *Author       `json:"pusher"`
	Installation *Installation `json:"installation,omitempty"`
}

// PushCommit is one commit as it appears in a push payload.
type PushCommit struct {
	ID        string   `json:"id"`
	Message   string   `json:"message"`
	URL       string   `json:"url"`
	Timestamp string   `json:"timestamp"`
	Author    *Author  `json:"author"`
	Committer *Author  `json:"committer"`
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Removed   []string `json:"removed"`
}

// Author identifies a commit author or committer in a push payload.
type Author struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Repository represents a GitHub repository.
type Repository struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Owner         *User    `json:"owner"`
	Private       bool     `json:"private"`
	Description   string   `json:"description"`
	Language      string   `json:"language"`
	DefaultBranch string   `json:"default_branch"`
	Size          int      `json:"size"`
	StarCount     int      `json:"stargazers_count"`
	ForkCount     int      `json:"forks_count"`
	Topics        []string `json:"topics,omitempty"`
	License       *License `json:"license,omitempty"`
	HTMLURL       string   `json:"html_url"`
	CreatedAt     string   `json:"created_at,omitempty"`
	PushedAt      string   `json:"pushed_at,omitempty"`
}

// License is a repository license descriptor.
type License struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// User represents a GitHub user or organization.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Installation represents a GitHub App installation.
type Installation struct {
	ID      int64 `json:"id"`
	Account *User `json:"account,omitempty"`
}

// InstallationEvent represents an installation webhook payload.
type InstallationEvent struct {
	Action       string        `json:"action"`
	Installation *Installation `json:"installation"`
	Repositories []Repository  `json:"repositories,omitempty"`
	Sender       *User         `json:"sender"`
}

// Commit represents a commit as returned by the commits API.
type Commit struct {
	SHA       string        `json:"sha"`
	Commit    *CommitDetail `json:"commit"`
	Author    *User         `json:"author"`
	Committer *User         `json:"committer"`
	Parents   []CommitRef   `json:"parents"`
	Stats     *CommitStats  `json:"stats,omitempty"`
	Files     []CommitFile  `json:"files,omitempty"`
	HTMLURL   string        `json:"html_url"`
}

// CommitDetail is the git-level commit information.
type CommitDetail struct {
	Message   string    `json:"message"`
	Author    *GitActor `json:"author"`
	Committer *GitActor `json:"committer"`
}

// GitActor is the name/email/date triple on a git commit.
type GitActor struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// CommitRef is a parent reference on a commit.
type CommitRef struct {
	SHA string `json:"sha"`
	URL string `json:"url"`
}

// CommitStats aggregates line changes across a commit.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// CommitFile represents one file changed in a commit.
type CommitFile struct {
	SHA       string `json:"sha"`
	Filename  string `json:"filename"`
	Status    string `json:"status"` // added, removed, modified, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
	Patch     string `json:"patch,omitempty"`
}

// Comparison is the result of comparing two commits.
type Comparison struct {
	Status       string       `json:"status"`
	AheadBy      int          `json:"ahead_by"`
	BehindBy     int          `json:"behind_by"`
	TotalCommits int          `json:"total_commits"`
	Files        []CommitFile `json:"files"`
}

// CommitPatches is the assembled result of FetchCommitPatches: commit
// metadata, per-file patch text, aggregate stats, and merge handling.
type CommitPatches struct {
	CommitData     *Commit           `json:"commit_data"`
	Patches        map[string]string `json:"patches"`
	Files          []CommitFile      `json:"files"`
	Stats          CommitStats       `json:"stats"`
	IsMergeCommit  bool              `json:"is_merge_commit"`
	ParentCommits  []string          `json:"parent_commits"`
	FilesTruncated bool              `json:"files_truncated"`
	// ParentComparison is populated best-effort for merge commits.
	ParentComparison *Comparison `json:"parent_comparison,omitempty"`
}

// FileContent is the decoded content of one repository file.
type FileContent struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	Size        int    `json:"size"`
	SHA         string `json:"sha"`
	Type        string `json:"type"`
	IsBinary    bool   `json:"is_binary"`
	DownloadURL string `json:"download_url"`
}

// contentEntry is the raw contents-API response shape.
type contentEntry struct {
	Type        string `json:"type"` // file, dir, symlink, submodule
	Encoding    string `json:"encoding"`
	Size        int    `json:"size"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Content     string `json:"content"`
	SHA         string `json:"sha"`
	DownloadURL string `json:"download_url"`
}

// BatchFileResult is one entry of a multi-file fetch: either content or the
// error that prevented it, never both.
type BatchFileResult struct {
	Content *FileContent `json:"content,omitempty"`
	Error   *APIError    `json:"error,omitempty"`
}

// RepoStructure records which well-known files exist at the repository root.
type RepoStructure struct {
	HasReadme     bool     `json:"has_readme"`
	HasLicense    bool     `json:"has_license"`
	HasDockerfile bool     `json:"has_dockerfile"`
	HasCI         bool     `json:"has_ci"`
	HasTests      bool     `json:"has_tests"`
	RootEntries   []string `json:"root_entries"`
}

// RepoMetadata combines basic repository info with languages, topics, and a
// structural scan of the root tree.
type RepoMetadata struct {
	BasicInfo *Repository        `json:"basic_info"`
	Languages map[string]float64 `json:"languages"` // language -> byte percentage
	Topics    []string           `json:"topics"`
	License   *License           `json:"license,omitempty"`
	Structure RepoStructure      `json:"structure"`
}

// TestFileReport is the result of scanning a repository for test files
// related to a change set.
type TestFileReport struct {
	DirectTestFiles  []string `json:"direct_test_files"`
	RelatedTestFiles []string `json:"related_test_files"`
	TestDirectories  []string `json:"test_directories"`
	HasTests         bool     `json:"has_tests"`
}

// CommitStatus represents one status on a commit.
type CommitStatus struct {
	ID          int64  `json:"id"`
	State       string `json:"state"` // pending, success, error, failure
	Description string `json:"description"`
	Context     string `json:"context"`
	TargetURL   string `json:"target_url,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}
