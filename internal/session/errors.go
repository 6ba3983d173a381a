package session

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInitialization Kind = iota + 1
	KindExecution
	KindBusy
	KindNotFound
	KindNoPendingApproval
	KindInvalidState
	KindInvalidDecision
	KindSessionLimit
)

var kindInfo = map[Kind]struct {
	name   string
	code   string
	status int
}{
	KindInitialization:    {"InitializationError", "SESSION_CREATE_FAILED", http.StatusInternalServerError},
	KindExecution:         {"ExecutionError", "PROMPT_FAILED", http.StatusInternalServerError},
	KindBusy:              {"SessionBusyError", "SESSION_BUSY", http.StatusConflict},
	KindNotFound:          {"NotFoundError", "SESSION_NOT_FOUND", http.StatusNotFound},
	KindNoPendingApproval: {"NoPendingApprovalError", "NO_PENDING_APPROVAL", http.StatusBadRequest},
	KindInvalidState:      {"InvalidStateError", "INVALID_STATE", http.StatusConflict},
	KindInvalidDecision:   {"InvalidDecisionError", "INVALID_DECISION", http.StatusBadRequest},
	KindSessionLimit:      {"SessionLimitError", "SESSION_LIMIT", http.StatusServiceUnavailable},
}

func (k Kind) String() string { return kindInfo[k].name }

// Code is the stable error code reported to clients.
func (k Kind) Code() string { return kindInfo[k].code }

func (k Kind) HTTPStatus() int {
	if s := kindInfo[k].status; s != 0 {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the failure type returned by Runner and Registry operations.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Code() string { return e.Kind.Code() }

// Is matches sentinel errors by kind. A missing approval is also an
// invalid-state error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindInvalidState && e.Kind == KindNoPendingApproval
}

// Sentinels for errors.Is.
var (
	ErrInitialization    = &Error{Kind: KindInitialization}
	ErrExecution         = &Error{Kind: KindExecution}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNoPendingApproval = &Error{Kind: KindNoPendingApproval}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInvalidDecision   = &Error{Kind: KindInvalidDecision}
	ErrSessionLimit      = &Error{Kind: KindSessionLimit}
)

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func notFound(id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("Session with ID '%s' not found", id),
		Details: map[string]any{"session_id": id},
	}
}
