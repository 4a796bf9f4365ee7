package analyze

import (
	"path"
	"strings"

	"github.com/commitlens/commitlens/github"
)

// Heuristic scorers for the dimensions that patch inspection answers well.
// They run locally and cost nothing, so they apply even when the model call
// fails.

// scoreTesting rates test coverage of the change: did test files change
// alongside the code, and does the repository have tests at all.
func scoreTesting(patches *github.CommitPatches, report *github.TestFileReport) float64 {
	if patches == nil {
		return 0
	}

	var codeFiles, testFiles int
	for _, f := range patches.Files {
		if isTestPath(f.Filename) {
			testFiles++
		} else if isCodePath(f.Filename) {
			codeFiles++
		}
	}

	switch {
	case codeFiles == 0 && testFiles > 0:
		// Pure test change.
		return 95
	case codeFiles == 0:
		// Docs or config only; testing is not applicable, score neutral.
		return 70
	case testFiles > 0:
		return 90
	}

	// Code changed without tests. Repository context softens the verdict.
	score := 30.0
	if report != nil {
		if len(report.RelatedTestFiles) > 0 {
			// Related tests exist even though this commit skipped them.
			score = 50
		} else if report.HasTests {
			score = 40
		}
	}
	return score
}

// scoreDocumentation rates documentation effort: doc file changes, comment
// lines in the patches, and the commit message itself.
func scoreDocumentation(patches *github.CommitPatches) float64 {
	if patches == nil {
		return 0
	}

	score := 40.0

	var docFiles int
	for _, f := range patches.Files {
		if isDocPath(f.Filename) {
			docFiles++
		}
	}
	if docFiles > 0 {
		score += 25
	}

	var added, commented int
	for _, patch := range patches.Patches {
		for _, line := range strings.Split(patch, "\n") {
			if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
				continue
			}
			added++
			if isCommentLine(strings.TrimSpace(strings.TrimPrefix(line, "+"))) {
				commented++
			}
		}
	}
	if added > 0 {
		ratio := float64(commented) / float64(added)
		switch {
		case ratio >= 0.15:
			score += 25
		case ratio >= 0.05:
			score += 15
		case ratio > 0:
			score += 5
		}
	}

	if patches.CommitData != nil && patches.CommitData.Commit != nil {
		msg := patches.CommitData.Commit.Message
		if len(msg) > 20 && strings.Contains(msg, "\n") {
			// Subject plus body.
			score += 10
		}
	}

	if score > 100 {
		score = 100
	}
	return score
}

func isTestPath(p string) bool {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	if strings.HasPrefix(base, "test_") ||
		strings.Contains(base, "_test.") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(base, ".test.") {
		return true
	}
	for _, dir := range []string{"test/", "tests/", "spec/", "__tests__/"} {
		if strings.HasPrefix(lower, dir) || strings.Contains(lower, "/"+dir) {
			return true
		}
	}
	return false
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cc": true,
	".cpp": true, ".cs": true, ".php": true, ".swift": true, ".kt": true, ".scala": true,
}

func isCodePath(p string) bool {
	return codeExtensions[strings.ToLower(path.Ext(p))]
}

func isDocPath(p string) bool {
	lower := strings.ToLower(p)
	switch path.Ext(lower) {
	case ".md", ".rst", ".txt", ".adoc":
		return true
	}
	return strings.HasPrefix(lower, "docs/") || strings.Contains(lower, "/docs/")
}

func isCommentLine(line string) bool {
	return strings.HasPrefix(line, "//") ||
		strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, "*") ||
		strings.HasPrefix(line, "/*") ||
		strings.HasPrefix(line, "\"\"\"") ||
		strings.HasPrefix(line, "'''")
}

// excluded reports whether a path matches any exclusion glob. Patterns
// support a trailing "/**" prefix form and path.Match syntax.
func excluded(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}
