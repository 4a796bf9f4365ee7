package github

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Deterministic responses for mock mode. Every fixture is a pure function
// of its inputs so repeated calls in tests and local runs are stable.

const mockAuthorEmail = "mock@example.com"

func mockCommitPatches(owner, repo, sha string) *CommitPatches {
	filename := "src/main.py"
	patch := "@@ -1,3 +1,4 @@\n import os\n+import sys\n \n def main():"
	commit := &Commit{
		SHA: sha,
		Commit: &CommitDetail{
			Message: fmt.Sprintf("Mock commit %s for %s/%s", shortSHA(sha), owner, repo),
			Author: &GitActor{
				Name:  "Mock Author",
				Email: mockAuthorEmail,
				Date:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			},
		},
		Parents: []CommitRef{{SHA: "parent0000000000000000000000000000000000"}},
		Stats:   &CommitStats{Additions: 1, Deletions: 0, Total: 1},
		Files: []CommitFile{{
			SHA:       "file0000",
			Filename:  filename,
			Status:    "modified",
			Additions: 1,
			Deletions: 0,
			Changes:   1,
			Patch:     patch,
		}},
		HTMLURL: fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repo, sha),
	}
	return &CommitPatches{
		CommitData:    commit,
		Patches:       map[string]string{filename: patch},
		Files:         commit.Files,
		Stats:         *commit.Stats,
		IsMergeCommit: false,
		ParentCommits: []string{commit.Parents[0].SHA},
	}
}

func mockFileContent(filePath string) *FileContent {
	content := fmt.Sprintf("# Mock content for %s\n\ndef main():\n    pass\n", filePath)
	return &FileContent{
		Path:     filePath,
		Content:  content,
		Encoding: "base64",
		Size:     len(content),
		SHA:      "mockfilesha0000000000000000000000000000",
		Type:     "file",
	}
}

func mockRepository(owner, repo string) *Repository {
	return &Repository{
		ID:            1296269,
		Name:          repo,
		FullName:      owner + "/" + repo,
		Owner:         &User{Login: owner, Type: "User"},
		Description:   "Mock repository for offline development",
		Language:      "Python",
		DefaultBranch: "main",
		StarCount:     42,
		License:       &License{Key: "mit", Name: "MIT License"},
		HTMLURL:       fmt.Sprintf("https://github.com/%s/%s", owner, repo),
	}
}

func mockRepoMetadata(owner, repo string) *RepoMetadata {
	repository := mockRepository(owner, repo)
	return &RepoMetadata{
		BasicInfo: repository,
		Languages: map[string]float64{"Python": 85.0, "Shell": 15.0},
		Topics:    []string{"mock", "development"},
		License:   repository.License,
		Structure: RepoStructure{
			HasReadme:  true,
			HasLicense: true,
			HasCI:      true,
			HasTests:   true,
			RootEntries: []string{
				"README.md", "LICENSE", ".github", "src", "tests", "requirements.txt",
			},
		},
	}
}

func mockTestFileReport(changedFiles []string) *TestFileReport {
	report := &TestFileReport{
		TestDirectories: []string{"tests"},
		HasTests:        true,
	}
	for _, f := range changedFiles {
		base := path.Base(f)
		if isTestFileName(base) {
			report.DirectTestFiles = append(report.DirectTestFiles, f)
			continue
		}
		stem := strings.TrimSuffix(base, path.Ext(base))
		if stem != "" {
			report.RelatedTestFiles = append(report.RelatedTestFiles, path.Join("tests", "test_"+stem+".py"))
		}
	}
	return report
}

func mockCommitStatus(state, description, statusContext, targetURL string) *CommitStatus {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC).Format(time.RFC3339)
	return &CommitStatus{
		ID:          1,
		State:       state,
		Description: description,
		Context:     statusContext,
		TargetURL:   targetURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mockCommitStatuses(sha string) []CommitStatus {
	status := mockCommitStatus("success", fmt.Sprintf("Mock status for %s", shortSHA(sha)), "commitlens/analysis", "")
	return []CommitStatus{*status}
}
