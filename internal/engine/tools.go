package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-amplifier/internal/approval"
	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/shared"
)

const (
	maxReadBytes      = 100 * 1024
	maxListEntries    = 200
	maxSearchMatches  = 100
	maxSearchFileSize = 1 << 20

	defaultBashTimeout = 30 * time.Second
	maxBashTimeout     = 120 * time.Second
	maxBashOutput      = 8 * 1024
)

var (
	// ErrToolDenied is returned when the user (or a timeout) refused a gated call.
	ErrToolDenied = errors.New("tool call denied")
	ErrPathDenied = errors.New("path outside allowed write paths")
)

// denyList holds commands bash refuses regardless of approval.
var denyList = map[string]struct{}{
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"sudo":     {},
	"su":       {},
}

// Outcome is embedded in every tool output. A non-empty Error is reported
// back to the model instead of aborting the turn.
type Outcome struct {
	Error string `json:"error,omitempty"`
}

type ReadFileInput struct {
	FilePath string `json:"file_path"`
}

type ReadFileOutput struct {
	Outcome
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

type WriteFileInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

type WriteFileOutput struct {
	Outcome
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

type EditFileInput struct {
	FilePath  string `json:"file_path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

type EditFileOutput struct {
	Outcome
	Edited bool   `json:"edited"`
	Path   string `json:"path"`
}

type ListDirectoryInput struct {
	Path string `json:"path"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type ListDirectoryOutput struct {
	Outcome
	Entries []DirEntry `json:"entries"`
	Path    string     `json:"path"`
}

type SearchFilesInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type SearchFilesOutput struct {
	Outcome
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated,omitempty"`
}

type BashInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type BashOutput struct {
	Outcome
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Toolset implements the workspace tools. Every call is announced with
// tool:pre, which may ask the user for a decision, and reported with
// tool:post.
type Toolset struct {
	coord    *Coordinator
	approver Approver
	logger   *slog.Logger

	workDir     string
	allowWrites []string
	executor    Executor
}

type ToolsetOptions struct {
	WorkDir           string
	AllowedWritePaths []string
	Executor          Executor
	Logger            *slog.Logger
}

func NewToolset(coord *Coordinator, approver Approver, opts ToolsetOptions) *Toolset {
	ts := &Toolset{
		coord:    coord,
		approver: approver,
		logger:   opts.Logger,
		workDir:  opts.WorkDir,
		executor: opts.Executor,
	}
	if ts.logger == nil {
		ts.logger = slog.Default()
	}
	if ts.executor == nil {
		ts.executor = HostExecutor{}
	}
	if ts.workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			ts.workDir = wd
		}
	}
	roots := opts.AllowedWritePaths
	if len(roots) == 0 && ts.workDir != "" {
		roots = []string{ts.workDir}
	}
	for _, r := range roots {
		if resolved, err := ts.resolve(r); err == nil {
			ts.allowWrites = append(ts.allowWrites, resolved)
		}
	}
	return ts
}

func (ts *Toolset) ReadFile(ctx context.Context, in ReadFileInput) (ReadFileOutput, error) {
	var out ReadFileOutput
	err := ts.invoke(ctx, "read_file", map[string]any{"file_path": in.FilePath}, func() (any, error) {
		path, err := ts.resolve(in.FilePath)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("path is a directory, use list_directory instead")
		}
		if info.Size() > maxReadBytes {
			return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		out.Content = string(data)
		out.Size = info.Size()
		return map[string]any{"size": out.Size}, nil
	})
	return out, err
}

func (ts *Toolset) WriteFile(ctx context.Context, in WriteFileInput) (WriteFileOutput, error) {
	var out WriteFileOutput
	input := map[string]any{"file_path": in.FilePath, "content": in.Content}
	err := ts.invoke(ctx, "write_file", input, func() (any, error) {
		path, err := ts.writable(in.FilePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
		if err := writeAtomic(path, []byte(in.Content)); err != nil {
			return nil, err
		}
		out = WriteFileOutput{Written: true, Path: path, Size: len(in.Content)}
		return map[string]any{"path": path, "size": out.Size}, nil
	})
	return out, err
}

func (ts *Toolset) EditFile(ctx context.Context, in EditFileInput) (EditFileOutput, error) {
	var out EditFileOutput
	input := map[string]any{"file_path": in.FilePath, "old_string": in.OldString, "new_string": in.NewString}
	err := ts.invoke(ctx, "edit_file", input, func() (any, error) {
		path, err := ts.writable(in.FilePath)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		content := string(data)
		switch n := strings.Count(content, in.OldString); {
		case in.OldString == "" || n == 0:
			return nil, fmt.Errorf("old_string not found in file")
		case n > 1:
			return nil, fmt.Errorf("old_string appears %d times (must be unique)", n)
		}
		if err := writeAtomic(path, []byte(strings.Replace(content, in.OldString, in.NewString, 1))); err != nil {
			return nil, err
		}
		out = EditFileOutput{Edited: true, Path: path}
		return map[string]any{"path": path}, nil
	})
	return out, err
}

func (ts *Toolset) ListDirectory(ctx context.Context, in ListDirectoryInput) (ListDirectoryOutput, error) {
	var out ListDirectoryOutput
	err := ts.invoke(ctx, "list_directory", map[string]any{"path": in.Path}, func() (any, error) {
		raw := in.Path
		if raw == "" {
			raw = "."
		}
		path, err := ts.resolve(raw)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read dir: %w", err)
		}
		out.Path = path
		for i, e := range entries {
			if i >= maxListEntries {
				break
			}
			var size int64
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
			out.Entries = append(out.Entries, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
		}
		return map[string]any{"entries": len(out.Entries)}, nil
	})
	return out, err
}

func (ts *Toolset) SearchFiles(ctx context.Context, in SearchFilesInput) (SearchFilesOutput, error) {
	var out SearchFilesOutput
	err := ts.invoke(ctx, "search_files", map[string]any{"pattern": in.Pattern, "path": in.Path}, func() (any, error) {
		if in.Pattern == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		raw := in.Path
		if raw == "" {
			raw = "."
		}
		root, err := ts.resolve(raw)
		if err != nil {
			return nil, err
		}
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if name := d.Name(); path != root && (name == ".git" || name == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
				return nil
			}
			if searchFile(path, in.Pattern, &out) {
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
		return map[string]any{"matches": len(out.Matches), "truncated": out.Truncated}, nil
	})
	return out, err
}

// searchFile appends matches from path and reports whether the cap was hit.
func searchFile(path, pattern string, out *SearchFilesOutput) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !strings.Contains(text, pattern) {
			continue
		}
		if len(out.Matches) >= maxSearchMatches {
			out.Truncated = true
			return true
		}
		out.Matches = append(out.Matches, SearchMatch{Path: path, Line: line, Text: strings.TrimSpace(text)})
	}
	return false
}

func (ts *Toolset) Bash(ctx context.Context, in BashInput) (BashOutput, error) {
	var out BashOutput
	err := ts.invoke(ctx, "bash", map[string]any{"command": in.Command}, func() (any, error) {
		if err := checkCommand(in.Command); err != nil {
			return nil, err
		}
		timeout := defaultBashTimeout
		if in.TimeoutSec > 0 {
			timeout = min(time.Duration(in.TimeoutSec)*time.Second, maxBashTimeout)
		}
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stdout, stderr, code, err := ts.executor.Exec(execCtx, in.Command, ts.workDir)
		if err != nil {
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				out = BashOutput{Stderr: "command timed out", ExitCode: -1}
				return map[string]any{"exit_code": -1, "timed_out": true}, nil
			}
			return nil, fmt.Errorf("exec: %w", err)
		}
		out = BashOutput{
			Stdout:   shared.Redact(truncateOutput(stdout, maxBashOutput)),
			Stderr:   shared.Redact(truncateOutput(stderr, maxBashOutput)),
			ExitCode: code,
		}
		return map[string]any{"exit_code": code}, nil
	})
	return out, err
}

// invoke runs the gate, the tool body and the post signal. Denials and tool
// failures come back as errors; the genkit adapter turns them into Outcome.
func (ts *Toolset) invoke(ctx context.Context, name string, input map[string]any, run func() (any, error)) error {
	if err := ts.gate(ctx, name, input); err != nil {
		ts.post(ctx, name, input, map[string]any{"error": err.Error(), "denied": errors.Is(err, ErrToolDenied)}, 0)
		return err
	}
	started := time.Now()
	result, err := run()
	elapsed := time.Since(started)
	if err != nil {
		ts.post(ctx, name, input, map[string]any{"error": err.Error()}, elapsed)
		return err
	}
	ts.post(ctx, name, input, result, elapsed)
	return nil
}

func (ts *Toolset) gate(ctx context.Context, name string, input map[string]any) error {
	res, err := ts.coord.Hooks().Emit(ctx, hooks.ToolPre, map[string]any{
		"tool_name": name,
		"input":     input,
	})
	if err != nil {
		ts.logger.Warn("tool:pre handler failed", "tool", name, "error", err)
	}
	if res.Action != hooks.AskUserAction || res.AskUser == nil {
		return nil
	}
	if ts.approver == nil {
		return fmt.Errorf("%w: no approver for %s", ErrToolDenied, name)
	}
	decision, err := ts.approver.RequestApproval(ctx, *res.AskUser)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch decision {
	case approval.Allow, approval.AlwaysAllow:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s (%v)", ErrToolDenied, name, err)
	}
	return fmt.Errorf("%w: %s (%s)", ErrToolDenied, name, decision)
}

func (ts *Toolset) post(ctx context.Context, name string, input map[string]any, result any, elapsed time.Duration) {
	if _, err := ts.coord.Hooks().Emit(ctx, hooks.ToolPost, map[string]any{
		"tool_name":   name,
		"input":       input,
		"result":      result,
		"duration_ms": elapsed.Milliseconds(),
	}); err != nil {
		ts.logger.Warn("tool:post handler failed", "tool", name, "error", err)
	}
}

// resolve makes raw absolute relative to the working directory and
// resolves symlinks in its parent.
func (ts *Toolset) resolve(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(raw) && ts.workDir != "" {
		raw = filepath.Join(ts.workDir, raw)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if evaluated, err := filepath.EvalSymlinks(abs); err == nil {
		return evaluated, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		// Parent does not exist yet; write_file creates it.
		return abs, nil
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

func (ts *Toolset) writable(raw string) (string, error) {
	path, err := ts.resolve(raw)
	if err != nil {
		return "", err
	}
	for _, root := range ts.allowWrites {
		if within(root, path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathDenied, path)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("empty command")
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

// splitCommandSegments splits at pipes, logical operators and semicolons.
func splitCommandSegments(cmd string) []string {
	var segments []string
	rest := cmd
	for rest != "" {
		idx, width := len(rest), 0
		for _, op := range []string{"||", "&&", "|", ";"} {
			if i := strings.Index(rest, op); i >= 0 && i < idx {
				idx, width = i, len(op)
			}
		}
		if seg := strings.TrimSpace(rest[:idx]); seg != "" {
			segments = append(segments, seg)
		}
		if width == 0 {
			break
		}
		rest = rest[idx+width:]
	}
	return segments
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
