package session

import (
	"strings"
	"testing"
)

func TestUnifiedDiffBasic(t *testing.T) {
	got := unifiedDiff("x.go", "a\nb\nc", "a\nB\nc")
	want := strings.Join([]string{
		"--- x.go",
		"+++ x.go",
		" a",
		"-b",
		"+B",
		" c",
	}, "\n")
	if got != want {
		t.Errorf("diff =\n%s\nwant\n%s", got, want)
	}
}

func TestUnifiedDiffIdentical(t *testing.T) {
	if got := unifiedDiff("x.go", "same", "same"); got != "" {
		t.Errorf("diff = %q, want empty for identical inputs", got)
	}
}

func TestUnifiedDiffInsertOnly(t *testing.T) {
	got := unifiedDiff("", "", "new line")
	if got != "+new line" {
		t.Errorf("diff = %q, want single added line with no header", got)
	}
}

func TestUnifiedDiffLargeFallback(t *testing.T) {
	var old, new strings.Builder
	for i := 0; i < maxDiffLines+1; i++ {
		old.WriteString("o\n")
		new.WriteString("n\n")
	}
	got := unifiedDiff("big.txt", old.String(), new.String())
	if strings.Contains(got, " o") || strings.Contains(got, " n") {
		t.Error("oversized diff must not contain context lines")
	}
	if !strings.Contains(got, "-o") || !strings.Contains(got, "+n") {
		t.Error("oversized diff must fall back to whole-block replacement")
	}
}
