package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-amplifier/internal/shared"
)

// Actions recorded in the audit trail.
const (
	ActionSessionCreate   = "session.create"
	ActionSessionStop     = "session.stop"
	ActionApprovalResolve = "approval.resolve"
	ActionAuthReject      = "auth.reject"
	ActionStartupFatal    = "runtime.startup"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id,omitempty"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling it twice is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors subsequent records into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one audit entry. The trace and session ids are taken from
// ctx; entries recorded outside a session leave session_id empty.
func Record(ctx context.Context, action, subject, decision, reason string) {
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	sessionID := shared.SessionID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			SessionID: sessionID,
			Action:    action,
			Subject:   subject,
			Decision:  decision,
			Reason:    reason,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, session_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, sessionID, subject, action, decision, reason)
	}
}
