// Package status derives the single canonical lifecycle status of a milestone
// from its raw completion signals, the owning agreement's signature state, the
// escrow funding state and due-date comparisons. Derivation is pure: callers
// pass the clock in.
package status

import (
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
)

const (
	Unknown         = "UNKNOWN"
	Draft           = "DRAFT"
	AwaitingFunding = "AWAITING_FUNDING"
	Late            = "LATE"
	Scheduled       = "SCHEDULED"
	Complete        = "COMPLETE"
	PendingApproval = "PENDING_APPROVAL"
	Invoiced        = "INVOICED"
	Disputed        = "DISPUTED"
)

// Derive maps a milestone plus its owning agreement to one canonical status.
// Precedence is the business contract and must not be reordered:
//
//  1. raw status already approved/completed  -> Complete
//  2. agreement still in draft               -> Draft
//  3. escrow not funded                      -> AwaitingFunding
//  4. past due and not completed             -> Late
//  5. otherwise                              -> Scheduled
//
// A nil agreement (not yet loaded) yields Unknown; every guarded action is
// denied for Unknown.
func Derive(now time.Time, m models.Milestone, a *models.Agreement) string {
	if models.RawStatusComplete(m.RawStatus) {
		return Complete
	}
	if a == nil {
		return Unknown
	}
	norm := a.Normalize()
	if norm.LifecycleState == models.LifecycleDraft {
		return Draft
	}
	if !norm.EscrowFunded {
		return AwaitingFunding
	}
	if IsLate(now, m) {
		return Late
	}
	return Scheduled
}

// IsLate resolves the lateness of a milestone. The server-supplied flag wins
// when present; otherwise lateness is derived from the due date. A milestone
// that already reads complete is never late.
func IsLate(now time.Time, m models.Milestone) bool {
	if m.Completed || models.RawStatusComplete(m.RawStatus) {
		return false
	}
	if m.IsLate != nil {
		return *m.IsLate
	}
	if m.DueDate.IsZero() {
		return false
	}
	return m.DueDate.Before(now)
}

// Filter buckets for list membership. Independent of Derive and never fed to
// the guard evaluator; both read the same raw fields so a milestone cannot
// land in two mutually exclusive buckets.
const (
	BucketIncomplete           = "incomplete"
	BucketCompletedNotInvoiced = "completed_not_invoiced"
	BucketInvoiced             = "invoiced"
	BucketPendingApproval      = "pending_approval"
	BucketApproved             = "approved"
	BucketDisputed             = "disputed"
)

// Bucket resolves the fine-grained tab/filter membership of a milestone from
// its raw status and invoicing flag.
func Bucket(m models.Milestone) string {
	raw := models.NormalizeRawStatus(m.RawStatus)
	switch raw {
	case "disputed":
		return BucketDisputed
	case "pending_approval":
		return BucketPendingApproval
	}
	if models.RawStatusComplete(m.RawStatus) {
		if m.IsInvoiced {
			return BucketInvoiced
		}
		if raw == "approved" {
			return BucketApproved
		}
		return BucketCompletedNotInvoiced
	}
	return BucketIncomplete
}
