package channels

import (
	"errors"
	"fmt"

	"github.com/basket/go-amplifier/internal/approval"
	"github.com/basket/go-amplifier/internal/session"
)

// ErrStaleApproval is returned when a relayed decision targets an approval
// that is no longer the session's pending one.
var ErrStaleApproval = approval.ErrStaleApproval

// PendingApproval describes one open approval across all sessions.
type PendingApproval struct {
	SessionID  string
	ApprovalID string
	Prompt     string
}

// Approvals is the view of the session registry used by relays.
type Approvals interface {
	Resolve(sessionID, approvalID, decision string) (string, error)
	Pending() []PendingApproval
}

// RegistryApprovals resolves relayed decisions against live sessions.
type RegistryApprovals struct {
	Registry *session.Registry
}

func (a RegistryApprovals) Resolve(sessionID, approvalID, decision string) (string, error) {
	r, err := a.Registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if approvalID == "" {
		return "", fmt.Errorf("%w: empty approval id", ErrStaleApproval)
	}
	// The id is compared under the broker's lock.
	canonical, err := r.ResolveApprovalID(approvalID, decision)
	if errors.Is(err, approval.ErrNoPending) {
		return "", fmt.Errorf("%w: %s", ErrStaleApproval, approvalID)
	}
	return canonical, err
}

func (a RegistryApprovals) Pending() []PendingApproval {
	var out []PendingApproval
	for _, r := range a.Registry.List() {
		if p := r.PendingApproval(); p != nil {
			out = append(out, PendingApproval{SessionID: r.ID(), ApprovalID: p.ApprovalID, Prompt: p.Prompt})
		}
	}
	return out
}
