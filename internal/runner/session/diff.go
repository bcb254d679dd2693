package session

import (
	"fmt"
	"strings"
)

// maxDiffLines caps the quadratic LCS table; larger inputs degrade to a
// whole-block replacement diff.
const maxDiffLines = 400

// unifiedDiff renders a minimal unified diff between two text fragments.
// It exists so edit events can show reviewers what changed without shipping
// both full strings.
func unifiedDiff(path, oldText, newText string) string {
	if oldText == newText {
		return ""
	}

	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	var b strings.Builder
	if path != "" {
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)
	}

	if len(oldLines) > maxDiffLines || len(newLines) > maxDiffLines {
		for _, l := range oldLines {
			b.WriteString("-" + l + "\n")
		}
		for _, l := range newLines {
			b.WriteString("+" + l + "\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}

	// Longest common subsequence over lines.
	n, m := len(oldLines), len(newLines)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			b.WriteString(" " + oldLines[i] + "\n")
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			b.WriteString("-" + oldLines[i] + "\n")
			i++
		default:
			b.WriteString("+" + newLines[j] + "\n")
			j++
		}
	}
	for ; i < n; i++ {
		b.WriteString("-" + oldLines[i] + "\n")
	}
	for ; j < m; j++ {
		b.WriteString("+" + newLines[j] + "\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
