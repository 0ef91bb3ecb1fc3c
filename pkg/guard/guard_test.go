package guard

import (
	"testing"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/status"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func inputsFor(m models.Milestone, a *models.Agreement) Inputs {
	return Inputs{Status: status.Derive(now, m, a), Agreement: a, Invoiced: m.IsInvoiced}
}

func TestEditDeleteOnlyWhileDraft(t *testing.T) {
	draft := &models.Agreement{ID: "a1", LifecycleState: "draft"}
	m := models.Milestone{ID: "m1", AgreementID: "a1"}

	for _, action := range []string{ActionEdit, ActionDelete} {
		d := CanPerform(action, inputsFor(m, draft))
		if !d.Allowed {
			t.Fatalf("%s on draft agreement must be allowed: %s", action, d.Reason)
		}
	}

	for _, state := range []string{"signed", "executed", "active", "funded", "completed", "cancelled"} {
		a := &models.Agreement{ID: "a1", LifecycleState: state}
		for _, action := range []string{ActionEdit, ActionDelete} {
			d := CanPerform(action, inputsFor(m, a))
			if d.Allowed {
				t.Fatalf("%s must be denied once agreement is %s", action, state)
			}
			if d.Code != ReasonAgreementNotDraft {
				t.Fatalf("unexpected code %s for state %s", d.Code, state)
			}
			if d.Reason != "agreement is no longer editable" {
				t.Fatalf("unexpected reason %q", d.Reason)
			}
		}
	}
}

func TestCompleteDenialDistinguishesCauses(t *testing.T) {
	m := models.Milestone{ID: "m1", AgreementID: "a1"}

	// Signed but unfunded: the reason must name funding, never signing.
	unfunded := &models.Agreement{ID: "a1", LifecycleState: "signed"}
	d := CanPerform(ActionComplete, inputsFor(m, unfunded))
	if d.Allowed {
		t.Fatal("complete on unfunded escrow must be denied")
	}
	if d.Code != ReasonEscrowNotFunded {
		t.Fatalf("expected ESCROW_NOT_FUNDED, got %s", d.Code)
	}

	// Draft agreement: the reason must name signing.
	draft := &models.Agreement{ID: "a1", LifecycleState: "draft"}
	d = CanPerform(ActionComplete, inputsFor(m, draft))
	if d.Allowed {
		t.Fatal("complete on draft agreement must be denied")
	}
	if d.Code != ReasonAgreementNotSigned {
		t.Fatalf("expected AGREEMENT_NOT_SIGNED, got %s", d.Code)
	}

	funded := &models.Agreement{ID: "a1", LifecycleState: "active", EscrowFunded: true}
	if d := CanPerform(ActionComplete, inputsFor(m, funded)); !d.Allowed {
		t.Fatalf("complete on funded agreement must be allowed: %s", d.Reason)
	}
}

func TestInvoiceRequiresCompleteAndNotInvoiced(t *testing.T) {
	funded := &models.Agreement{ID: "a1", LifecycleState: "signed", EscrowFunded: true}

	m := models.Milestone{ID: "m1", AgreementID: "a1"}
	if d := CanPerform(ActionInvoice, inputsFor(m, funded)); d.Allowed || d.Code != ReasonMilestoneIncomplete {
		t.Fatalf("invoice before completion must be denied, got %+v", d)
	}

	m.RawStatus = "approved"
	if d := CanPerform(ActionInvoice, inputsFor(m, funded)); !d.Allowed {
		t.Fatalf("invoice on complete milestone must be allowed: %s", d.Reason)
	}

	m.IsInvoiced = true
	if d := CanPerform(ActionInvoice, inputsFor(m, funded)); d.Allowed || d.Code != ReasonAlreadyInvoiced {
		t.Fatalf("double invoice must be denied, got %+v", d)
	}
}

func TestFailClosedWithoutAgreement(t *testing.T) {
	m := models.Milestone{ID: "m1", AgreementID: "a1"}
	for _, action := range []string{ActionEdit, ActionDelete, ActionComplete, ActionInvoice} {
		d := CanPerform(action, inputsFor(m, nil))
		if d.Allowed {
			t.Fatalf("%s must be denied while agreement is unloaded", action)
		}
		if d.Code != ReasonAgreementUnknown {
			t.Fatalf("expected AGREEMENT_UNKNOWN, got %s", d.Code)
		}
	}
}

func TestUnknownActionDenied(t *testing.T) {
	draft := &models.Agreement{ID: "a1", LifecycleState: "draft"}
	d := CanPerform("archive", Inputs{Status: status.Draft, Agreement: draft})
	if d.Allowed || d.Code != ReasonUnknownAction {
		t.Fatalf("unknown action must be denied, got %+v", d)
	}
}
