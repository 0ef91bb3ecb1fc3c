// Package guard contains the pure allow/deny rules gating milestone actions.
// Guards are side-effect free and must be re-evaluated on every attempt; the
// agreement can change between two renders.
package guard

import (
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/status"
)

const (
	ActionEdit     = "edit"
	ActionDelete   = "delete"
	ActionComplete = "complete"
	ActionInvoice  = "invoice"
)

// Deny reason codes, stable for metrics and audit.
const (
	ReasonOK                  = "OK"
	ReasonAgreementUnknown    = "AGREEMENT_UNKNOWN"
	ReasonAgreementNotDraft   = "AGREEMENT_NOT_DRAFT"
	ReasonAgreementNotSigned  = "AGREEMENT_NOT_SIGNED"
	ReasonEscrowNotFunded     = "ESCROW_NOT_FUNDED"
	ReasonMilestoneIncomplete = "MILESTONE_INCOMPLETE"
	ReasonAlreadyInvoiced     = "ALREADY_INVOICED"
	ReasonUnknownAction       = "UNKNOWN_ACTION"
)

// Decision is the outcome of a guard evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true, Code: ReasonOK}
}

func deny(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Inputs carries everything a guard may read. Status comes from
// status.Derive over the same agreement.
type Inputs struct {
	Status    string
	Agreement *models.Agreement
	Invoiced  bool
}

// CanPerform evaluates whether an action is legal given the derived canonical
// status and the owning agreement. An unloaded agreement denies everything.
func CanPerform(action string, in Inputs) Decision {
	if in.Agreement == nil || in.Status == status.Unknown {
		return deny(ReasonAgreementUnknown, "agreement not loaded yet")
	}
	a := in.Agreement.Normalize()
	switch action {
	case ActionEdit, ActionDelete:
		if a.LifecycleState != models.LifecycleDraft {
			return deny(ReasonAgreementNotDraft, "agreement is no longer editable")
		}
		return allow()
	case ActionComplete:
		if !models.SignedFamily(a.LifecycleState) {
			return deny(ReasonAgreementNotSigned, "agreement not yet signed")
		}
		if !a.EscrowFunded {
			return deny(ReasonEscrowNotFunded, "escrow not funded")
		}
		return allow()
	case ActionInvoice:
		if in.Status != status.Complete {
			return deny(ReasonMilestoneIncomplete, "milestone is not complete")
		}
		if in.Invoiced {
			return deny(ReasonAlreadyInvoiced, "milestone already invoiced")
		}
		return allow()
	default:
		return deny(ReasonUnknownAction, "unknown action "+action)
	}
}
