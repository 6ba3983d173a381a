package session

import (
	"time"

	"github.com/basket/go-amplifier/internal/approval"
	"github.com/basket/go-amplifier/internal/bridge"
)

type Status string

const (
	StatusStarting         Status = "starting"
	StatusIdle             Status = "idle"
	StatusProcessing       Status = "processing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusError            Status = "error"
	StatusStopped          Status = "stopped"
)

// Credentials are provider keys supplied by the client at session creation.
type Credentials struct {
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	GoogleAPIKey    string `json:"google_api_key,omitempty"`
}

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type OpenFile struct {
	Path           string    `json:"path,omitempty"`
	Language       string    `json:"language,omitempty"`
	Content        string    `json:"content,omitempty"`
	CursorPosition *Position `json:"cursor_position,omitempty"`
}

type GitState struct {
	Branch         string   `json:"branch,omitempty"`
	StagedFiles    []string `json:"staged_files,omitempty"`
	ModifiedFiles  []string `json:"modified_files,omitempty"`
	UntrackedFiles []string `json:"untracked_files,omitempty"`
}

type Diagnostic struct {
	Path     string `json:"path,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	Range    Range  `json:"range"`
}

type Selection struct {
	Path  string `json:"path,omitempty"`
	Text  string `json:"text,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// WorkspaceContext is the IDE state sent with a session or a prompt.
type WorkspaceContext struct {
	WorkspaceRoot string       `json:"workspace_root,omitempty"`
	OpenFiles     []OpenFile   `json:"open_files,omitempty"`
	GitState      *GitState    `json:"git_state,omitempty"`
	Diagnostics   []Diagnostic `json:"diagnostics,omitempty"`
	Selection     *Selection   `json:"selection,omitempty"`
}

func (w *WorkspaceContext) IsEmpty() bool {
	return w == nil || (w.WorkspaceRoot == "" && len(w.OpenFiles) == 0 && w.GitState == nil &&
		len(w.Diagnostics) == 0 && w.Selection == nil)
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	SessionID       string             `json:"session_id"`
	Status          Status             `json:"status"`
	Profile         string             `json:"profile"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActivity    time.Time          `json:"last_activity"`
	MessageCount    int                `json:"message_count"`
	TokenUsage      *bridge.TokenUsage `json:"token_usage,omitempty"`
	PendingApproval *approval.Pending  `json:"pending_approval"`
}
