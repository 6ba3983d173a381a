package session

import (
	"fmt"
	"strings"
	"testing"
)

func TestFormatContext_Full(t *testing.T) {
	w := &WorkspaceContext{
		WorkspaceRoot: "/repo",
		OpenFiles: []OpenFile{
			{Path: "main.go", Language: "go", Content: strings.Repeat("x", 1234), CursorPosition: &Position{Line: 4, Character: 2}},
			{},
		},
		GitState: &GitState{
			Branch:         "feature",
			StagedFiles:    []string{"a", "b", "c", "d"},
			ModifiedFiles:  []string{"m"},
			UntrackedFiles: []string{"u1", "u2"},
		},
		Selection: &Selection{Path: "main.go", Text: "line1\nline2"},
		Diagnostics: []Diagnostic{
			{Path: "main.go", Severity: "error", Message: "undefined: foo", Range: Range{Start: Position{Line: 7}}},
			{Path: "util.go", Severity: "warning", Message: "unused"},
			{Severity: "hint", Message: "consider"},
		},
	}

	want := strings.Join([]string{
		"# Current Workspace Context",
		"",
		"**Workspace:** `/repo`",
		"",
		"## Open Files (2 files)",
		"1. `main.go` (go, 1,234 chars)",
		"   - Cursor at line 4, column 2",
		"2. `unknown` (text, 0 chars)",
		"",
		"## Git Status",
		"- Branch: `feature`",
		"- Staged: 4 files",
		"  - `a`",
		"  - `b`",
		"  - `c`",
		"  - ...and 1 more",
		"- Modified: 1 files",
		"  - `m`",
		"- Untracked: 2 files",
		"",
		"## Current Selection",
		"User has selected text in `main.go`:",
		"```",
		"line1\nline2",
		"```",
		"",
		"## Problems (3 total)",
		"- 1 errors",
		"- 1 warnings",
		"",
		"1. 🔴 `main.go:7` - undefined: foo",
		"2. 🟡 `util.go:0` - unused",
		"3. ℹ️ `unknown:0` - consider",
		"",
	}, "\n")

	if got := FormatContext(w); got != want {
		t.Fatalf("FormatContext mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestFormatContext_Truncation(t *testing.T) {
	var files []OpenFile
	var diags []Diagnostic
	for i := 0; i < 7; i++ {
		files = append(files, OpenFile{Path: fmt.Sprintf("f%d", i)})
		diags = append(diags, Diagnostic{Severity: "error", Message: strings.Repeat("é", 100)})
	}
	var sel []string
	for i := 0; i < 12; i++ {
		sel = append(sel, fmt.Sprintf("l%d", i))
	}
	got := FormatContext(&WorkspaceContext{
		OpenFiles:   files,
		Diagnostics: diags,
		Selection:   &Selection{Text: strings.Join(sel, "\n")},
	})

	for _, want := range []string{
		"   - ...and 2 more files",
		"... (2 more lines)",
		"   - ...and 2 more issues",
		"- 7 errors",
		"User has selected text in `unknown`:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "f5") || strings.Contains(got, "l10") {
		t.Errorf("truncated entries leaked:\n%s", got)
	}
	if strings.Contains(got, "warnings") {
		t.Error("zero warning count must be omitted")
	}
	if !strings.Contains(got, "- "+strings.Repeat("é", 80)+"\n") {
		t.Error("diagnostic message should be cut at 80 runes")
	}
}

func TestSystemContext(t *testing.T) {
	if got := SystemContext(&WorkspaceContext{}); got != "" {
		t.Fatalf("empty workspace gave %q", got)
	}
	got := SystemContext(&WorkspaceContext{
		GitState:    &GitState{ModifiedFiles: []string{"1", "2", "3", "4", "5", "6"}},
		Diagnostics: []Diagnostic{{}, {}},
		Selection:   &Selection{Path: "x.go"},
	})
	want := "\n\n## Current Workspace Context\n- Git Branch: unknown\n- Modified Files: 1, 2, 3, 4, 5\n- Active Problems: 2\n- Selected: x.go"
	if got != want {
		t.Fatalf("SystemContext = %q, want %q", got, want)
	}
}

func TestGroupThousands(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567"}
	for n, want := range tests {
		if got := groupThousands(n); got != want {
			t.Errorf("groupThousands(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestWorkspaceContext_IsEmpty(t *testing.T) {
	var nilCtx *WorkspaceContext
	if !nilCtx.IsEmpty() || !(&WorkspaceContext{}).IsEmpty() {
		t.Fatal("nil and zero contexts are empty")
	}
	if (&WorkspaceContext{Selection: &Selection{}}).IsEmpty() {
		t.Fatal("selection makes a context non-empty")
	}
}
