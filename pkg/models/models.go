package models

import (
	"errors"
	"strings"
	"time"
)

// Agreement lifecycle states, canonical spellings.
const (
	LifecycleDraft     = "draft"
	LifecycleSigned    = "signed"
	LifecycleExecuted  = "executed"
	LifecycleActive    = "active"
	LifecycleApproved  = "approved"
	LifecycleFunded    = "funded"
	LifecycleCompleted = "completed"
	LifecycleCancelled = "cancelled"
)

var (
	ErrCompletionBeforeStart = errors.New("completion date before start date")
	ErrNegativeAmount        = errors.New("amount must not be negative")
	ErrMissingAgreementRef   = errors.New("milestone requires an agreement reference")
)

var lifecycleAliases = map[string]string{
	"draft":        LifecycleDraft,
	"drafted":      LifecycleDraft,
	"unsigned":     LifecycleDraft,
	"signed":       LifecycleSigned,
	"fully_signed": LifecycleSigned,
	"executed":     LifecycleExecuted,
	"execute":      LifecycleExecuted,
	"active":       LifecycleActive,
	"in_progress":  LifecycleActive,
	"approved":     LifecycleApproved,
	"approve":      LifecycleApproved,
	"funded":       LifecycleFunded,
	"escrowed":     LifecycleFunded,
	"completed":    LifecycleCompleted,
	"complete":     LifecycleCompleted,
	"cancelled":    LifecycleCancelled,
	"canceled":     LifecycleCancelled,
	"cancel":       LifecycleCancelled,
}

// ParseLifecycleState canonicalizes the spelling/case variants the upstream
// service emits ("SIGNED", "Canceled", "fully-signed", ...) into one of the
// Lifecycle* constants. Unknown values pass through lowercased so callers fail
// closed rather than misclassify.
func ParseLifecycleState(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if canonical, ok := lifecycleAliases[key]; ok {
		return canonical
	}
	return key
}

// SignedFamily reports whether a lifecycle state counts as signed for the
// purposes of escrow funding and milestone completion.
func SignedFamily(state string) bool {
	switch state {
	case LifecycleSigned, LifecycleExecuted, LifecycleActive, LifecycleApproved, LifecycleFunded:
		return true
	default:
		return false
	}
}

type Agreement struct {
	ID             string `json:"id"`
	LifecycleState string `json:"lifecycle_state"`
	EscrowFunded   bool   `json:"escrow_funded"`
}

// Normalize returns a copy with the lifecycle state canonicalized. An
// agreement still in draft can never be escrow funded, so the flag is forced
// false in that case.
func (a Agreement) Normalize() Agreement {
	a.LifecycleState = ParseLifecycleState(a.LifecycleState)
	if a.LifecycleState == LifecycleDraft {
		a.EscrowFunded = false
	}
	return a
}

type Milestone struct {
	ID             string    `json:"id"`
	AgreementID    string    `json:"agreement_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Amount         float64   `json:"amount"`
	StartDate      time.Time `json:"start_date,omitempty"`
	CompletionDate time.Time `json:"completion_date,omitempty"`
	DueDate        time.Time `json:"due_date,omitempty"`
	RawStatus      string    `json:"raw_status,omitempty"`
	Completed      bool      `json:"completed"`
	IsInvoiced     bool      `json:"is_invoiced"`
	// IsLate is the server-supplied lateness flag. When nil, lateness is
	// derived from DueDate instead.
	IsLate *bool `json:"is_late,omitempty"`
}

// Validate checks local shape invariants before any network call is attempted.
func (m Milestone) Validate() error {
	if strings.TrimSpace(m.AgreementID) == "" {
		return ErrMissingAgreementRef
	}
	if m.Amount < 0 {
		return ErrNegativeAmount
	}
	if !m.StartDate.IsZero() && !m.CompletionDate.IsZero() && m.CompletionDate.Before(m.StartDate) {
		return ErrCompletionBeforeStart
	}
	return nil
}

// NormalizeRawStatus lowercases and underscores a free-text milestone status.
func NormalizeRawStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	return strings.ReplaceAll(key, " ", "_")
}

// RawStatusComplete reports whether the free-text status already indicates a
// completed or approved milestone. This signal outranks every other one.
func RawStatusComplete(raw string) bool {
	switch NormalizeRawStatus(raw) {
	case "completed", "complete", "approved":
		return true
	default:
		return false
	}
}

// EvidenceFile is an opaque attachment for a completion submission.
type EvidenceFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// EvidenceBundle accompanies a mark-complete submission.
type EvidenceBundle struct {
	Files []EvidenceFile `json:"files,omitempty"`
	Notes string         `json:"notes,omitempty"`
}
