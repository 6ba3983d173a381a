package session

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxContextFiles       = 5
	maxGitEntries         = 3
	maxSelectionLines     = 10
	maxContextDiagnostics = 5
	maxDiagnosticRunes    = 80
)

// FormatContext renders a workspace snapshot as markdown to prepend to a
// prompt.
func FormatContext(w *WorkspaceContext) string {
	lines := []string{"# Current Workspace Context", ""}
	if w == nil {
		return strings.Join(lines, "\n")
	}

	if w.WorkspaceRoot != "" {
		lines = append(lines, fmt.Sprintf("**Workspace:** `%s`", w.WorkspaceRoot), "")
	}

	if n := len(w.OpenFiles); n > 0 {
		lines = append(lines, fmt.Sprintf("## Open Files (%d files)", n))
		for i, f := range w.OpenFiles[:min(n, maxContextFiles)] {
			path := orDefault(f.Path, "unknown")
			lang := orDefault(f.Language, "text")
			lines = append(lines, fmt.Sprintf("%d. `%s` (%s, %s chars)", i+1, path, lang, groupThousands(utf8.RuneCountInString(f.Content))))
			if c := f.CursorPosition; c != nil {
				lines = append(lines, fmt.Sprintf("   - Cursor at line %d, column %d", c.Line, c.Character))
			}
		}
		if n > maxContextFiles {
			lines = append(lines, fmt.Sprintf("   - ...and %d more files", n-maxContextFiles))
		}
		lines = append(lines, "")
	}

	if g := w.GitState; g != nil {
		lines = append(lines, "## Git Status", fmt.Sprintf("- Branch: `%s`", orDefault(g.Branch, "unknown")))
		lines = appendFileGroup(lines, "Staged", g.StagedFiles)
		lines = appendFileGroup(lines, "Modified", g.ModifiedFiles)
		if n := len(g.UntrackedFiles); n > 0 {
			lines = append(lines, fmt.Sprintf("- Untracked: %d files", n))
		}
		lines = append(lines, "")
	}

	if s := w.Selection; s != nil {
		lines = append(lines,
			"## Current Selection",
			fmt.Sprintf("User has selected text in `%s`:", orDefault(s.Path, "unknown")),
			"```",
		)
		textLines := strings.Split(s.Text, "\n")
		if len(textLines) > maxSelectionLines {
			lines = append(lines, textLines[:maxSelectionLines]...)
			lines = append(lines, fmt.Sprintf("... (%d more lines)", len(textLines)-maxSelectionLines))
		} else {
			lines = append(lines, s.Text)
		}
		lines = append(lines, "```", "")
	}

	if n := len(w.Diagnostics); n > 0 {
		var errs, warns int
		for _, d := range w.Diagnostics {
			switch d.Severity {
			case "error":
				errs++
			case "warning":
				warns++
			}
		}
		lines = append(lines, fmt.Sprintf("## Problems (%d total)", n))
		if errs > 0 {
			lines = append(lines, fmt.Sprintf("- %d errors", errs))
		}
		if warns > 0 {
			lines = append(lines, fmt.Sprintf("- %d warnings", warns))
		}
		lines = append(lines, "")
		for i, d := range w.Diagnostics[:min(n, maxContextDiagnostics)] {
			lines = append(lines, fmt.Sprintf("%d. %s `%s:%d` - %s",
				i+1, severityIcon(d.Severity), orDefault(d.Path, "unknown"), d.Range.Start.Line, truncateRunes(d.Message, maxDiagnosticRunes)))
		}
		if n > maxContextDiagnostics {
			lines = append(lines, fmt.Sprintf("   - ...and %d more issues", n-maxContextDiagnostics))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

// SystemContext is the short workspace summary placed ahead of the
// orchestrator's system instruction. It is empty when there is nothing to
// report.
func SystemContext(w *WorkspaceContext) string {
	if w == nil {
		return ""
	}
	var parts []string
	if w.WorkspaceRoot != "" {
		parts = append(parts, "Workspace: "+w.WorkspaceRoot)
	}
	if g := w.GitState; g != nil {
		parts = append(parts, "Git Branch: "+orDefault(g.Branch, "unknown"))
		if len(g.ModifiedFiles) > 0 {
			parts = append(parts, "Modified Files: "+strings.Join(g.ModifiedFiles[:min(len(g.ModifiedFiles), 5)], ", "))
		}
	}
	if len(w.Diagnostics) > 0 {
		parts = append(parts, fmt.Sprintf("Active Problems: %d", len(w.Diagnostics)))
	}
	if w.Selection != nil {
		parts = append(parts, "Selected: "+orDefault(w.Selection.Path, "unknown"))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\n## Current Workspace Context\n- " + strings.Join(parts, "\n- ")
}

func appendFileGroup(lines []string, label string, files []string) []string {
	n := len(files)
	if n == 0 {
		return lines
	}
	lines = append(lines, fmt.Sprintf("- %s: %d files", label, n))
	for _, f := range files[:min(n, maxGitEntries)] {
		lines = append(lines, fmt.Sprintf("  - `%s`", f))
	}
	if n > maxGitEntries {
		lines = append(lines, fmt.Sprintf("  - ...and %d more", n-maxGitEntries))
	}
	return lines
}

func severityIcon(severity string) string {
	switch severity {
	case "error":
		return "🔴"
	case "warning":
		return "🟡"
	default:
		return "ℹ️"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// groupThousands formats n with comma separators.
func groupThousands(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
