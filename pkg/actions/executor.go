// Package actions is the single entry point for user-initiated milestone
// mutations. Every edit, delete, complete and invoice request flows through
// Execute: guard check first, then an optimistic local mutation, then the
// remote call, then commit or rollback. Nothing else talks to the remote
// service directly.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/agreements"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/audit"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/draft"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/guard"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/metrics"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/status"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/stream"
)

var (
	ErrGuardDenied   = errors.New("action denied by guard")
	ErrValidation    = errors.New("payload failed validation")
	ErrUnknownEntity = errors.New("unknown milestone")
	ErrUnknownAction = errors.New("unknown action")
	ErrSuperseded    = errors.New("action superseded before completion")
)

const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
	VerdictError = "ERROR"
)

// remoteAPI is the slice of pkg/remote.Client the executor needs.
type remoteAPI interface {
	PatchMilestone(ctx context.Context, id string, fields map[string]any) (models.Milestone, error)
	DeleteMilestone(ctx context.Context, id string) error
	SubmitMilestoneForReview(ctx context.Context, id string, evidence models.EvidenceBundle) (models.Milestone, error)
}

type Payload struct {
	Fields   map[string]any        `json:"fields,omitempty"`
	Evidence models.EvidenceBundle `json:"evidence,omitempty"`
	ActorID  string                `json:"actor_id,omitempty"`
}

type Result struct {
	ActionID string `json:"action_id"`
	Action   string `json:"action"`
	EntityID string `json:"entity_id"`
	Verdict  string `json:"verdict"`
	Code     string `json:"code"`
	Reason   string `json:"reason,omitempty"`
	// Milestone carries the post-action server state; nil after a delete.
	Milestone *models.Milestone `json:"milestone,omitempty"`
}

type Executor struct {
	remote     remoteAPI
	drafts     *draft.Store
	agreements *agreements.Cache
	metrics    *metrics.Registry
	auditor    *audit.Writer
	hub        *stream.Hub
	nowFunc    func() time.Time

	mu         sync.Mutex
	milestones map[string]models.Milestone
	locks      map[string]*sync.Mutex
}

func NewExecutor(remote remoteAPI, drafts *draft.Store, agreementCache *agreements.Cache) *Executor {
	return &Executor{
		remote:     remote,
		drafts:     drafts,
		agreements: agreementCache,
		nowFunc:    time.Now,
		milestones: map[string]models.Milestone{},
		locks:      map[string]*sync.Mutex{},
	}
}

func (e *Executor) WithMetrics(m *metrics.Registry) *Executor { e.metrics = m; return e }
func (e *Executor) WithAudit(w *audit.Writer) *Executor       { e.auditor = w; return e }
func (e *Executor) WithHub(h *stream.Hub) *Executor           { e.hub = h; return e }

// Seed installs or replaces the local copy of a milestone, e.g. after a list
// fetch or an out-of-band refresh.
func (e *Executor) Seed(m models.Milestone) {
	if m.ID == "" {
		return
	}
	e.mu.Lock()
	e.milestones[m.ID] = m
	e.mu.Unlock()
}

// Milestone returns the local copy, if any.
func (e *Executor) Milestone(id string) (models.Milestone, bool) {
	e.mu.Lock()
	m, ok := e.milestones[id]
	e.mu.Unlock()
	return m, ok
}

// Status derives the canonical status of a locally known milestone without
// I/O, using whatever agreement state the cache currently holds.
func (e *Executor) Status(id string) string {
	m, ok := e.Milestone(id)
	if !ok {
		return status.Unknown
	}
	return status.Derive(e.nowFunc(), m, e.agreements.Peek(m.AgreementID))
}

func (e *Executor) entityLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Execute runs one action end to end. Guard denials and validation failures
// return before any remote I/O; remote failures roll the optimistic mutation
// back to the pre-action snapshot.
func (e *Executor) Execute(ctx context.Context, action, entityID string, payload Payload) (Result, error) {
	lock := e.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	res := Result{ActionID: uuid.NewString(), Action: action, EntityID: entityID}

	m, ok := e.Milestone(entityID)
	if !ok {
		res.Verdict = VerdictError
		res.Code = "UNKNOWN_ENTITY"
		res.Reason = "milestone is not loaded"
		e.record(ctx, res, payload)
		return res, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	agreement, err := e.agreements.Get(ctx, m.AgreementID)
	if err != nil {
		agreement = nil // derive Unknown and fail closed below
	}
	derived := status.Derive(e.nowFunc(), m, agreement)
	decision := guard.CanPerform(action, guard.Inputs{
		Status:    derived,
		Agreement: agreement,
		Invoiced:  m.IsInvoiced,
	})
	res.Code = decision.Code
	res.Reason = decision.Reason
	if !decision.Allowed {
		res.Verdict = VerdictDeny
		e.record(ctx, res, payload)
		return res, fmt.Errorf("%w: %s", ErrGuardDenied, decision.Reason)
	}

	if err := e.validate(action, m, payload); err != nil {
		res.Verdict = VerdictError
		res.Code = "VALIDATION_FAILED"
		res.Reason = err.Error()
		e.record(ctx, res, payload)
		return res, err
	}

	snapshot := m
	e.applyOptimistic(action, m, payload)

	updated, remoteErr := e.callRemote(ctx, action, entityID, payload)

	// A call superseded by teardown must not land on local state.
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.restore(snapshot)
		res.Verdict = VerdictError
		res.Code = "SUPERSEDED"
		res.Reason = ctxErr.Error()
		return res, fmt.Errorf("%w: %v", ErrSuperseded, ctxErr)
	}
	if remoteErr != nil {
		e.restore(snapshot)
		res.Verdict = VerdictError
		res.Code = "REMOTE_FAILED"
		res.Reason = remoteErr.Error()
		e.record(ctx, res, payload)
		return res, remoteErr
	}

	e.commitLocal(ctx, action, entityID, snapshot, updated)
	res.Verdict = VerdictAllow
	if updated != nil {
		res.Milestone = updated
	}
	e.record(ctx, res, payload)
	e.publish(res)
	return res, nil
}

// validate runs the local shape checks that must fail before any network
// call: completion date ordering, non-negative amount, agreement reference.
func (e *Executor) validate(action string, m models.Milestone, payload Payload) error {
	if action != guard.ActionEdit {
		return nil
	}
	candidate := m
	applyFields(&candidate, payload.Fields)
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (e *Executor) applyOptimistic(action string, m models.Milestone, payload Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch action {
	case guard.ActionDelete:
		delete(e.milestones, m.ID)
	case guard.ActionComplete:
		m.RawStatus = "pending_approval"
		e.milestones[m.ID] = m
	case guard.ActionInvoice:
		m.IsInvoiced = true
		e.milestones[m.ID] = m
	case guard.ActionEdit:
		applyFields(&m, payload.Fields)
		e.milestones[m.ID] = m
	}
}

func (e *Executor) restore(snapshot models.Milestone) {
	e.mu.Lock()
	e.milestones[snapshot.ID] = snapshot
	e.mu.Unlock()
}

func (e *Executor) callRemote(ctx context.Context, action, entityID string, payload Payload) (*models.Milestone, error) {
	switch action {
	case guard.ActionEdit:
		m, err := e.remote.PatchMilestone(ctx, entityID, payload.Fields)
		if err != nil {
			return nil, err
		}
		return &m, nil
	case guard.ActionDelete:
		return nil, e.remote.DeleteMilestone(ctx, entityID)
	case guard.ActionComplete:
		m, err := e.remote.SubmitMilestoneForReview(ctx, entityID, payload.Evidence)
		if err != nil {
			return nil, err
		}
		return &m, nil
	case guard.ActionInvoice:
		m, err := e.remote.PatchMilestone(ctx, entityID, map[string]any{"is_invoiced": true})
		if err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// commitLocal makes the optimistic mutation final: the server copy replaces
// the local one and the draft baseline moves forward.
func (e *Executor) commitLocal(ctx context.Context, action, entityID string, snapshot models.Milestone, updated *models.Milestone) {
	if updated != nil {
		final := *updated
		if final.ID == "" {
			final.ID = entityID
		}
		if final.AgreementID == "" {
			final.AgreementID = snapshot.AgreementID
		}
		e.mu.Lock()
		e.milestones[final.ID] = final
		e.mu.Unlock()
		*updated = final
	}
	if e.drafts == nil {
		return
	}
	if action == guard.ActionDelete {
		e.drafts.Discard(ctx, entityID)
		return
	}
	if updated != nil {
		e.drafts.Commit(ctx, entityID, fieldSnapshot(*updated))
	}
}

func (e *Executor) record(ctx context.Context, res Result, payload Payload) {
	if e.metrics != nil {
		e.metrics.ObserveAction(res.Action, res.Verdict, res.Code)
	}
	if e.auditor == nil {
		return
	}
	raw, _ := json.Marshal(payload.Fields)
	rec := audit.Record{
		ActionID:    res.ActionID,
		EntityType:  "milestone",
		EntityID:    res.EntityID,
		Action:      res.Action,
		ActorIDHash: payload.ActorID,
		Verdict:     res.Verdict,
		ReasonCode:  res.Code,
		Payload:     raw,
		CreatedAt:   e.nowFunc().UTC(),
	}
	if res.Milestone != nil {
		rec.AgreementID = res.Milestone.AgreementID
	}
	if err := e.auditor.Append(ctx, rec); err != nil {
		log.Printf("audit append failed action=%s entity=%s: %v", res.Action, res.EntityID, err)
	}
}

func (e *Executor) publish(res Result) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(stream.NewEvent(stream.EventActionExecuted, res))
	if res.Milestone != nil {
		e.hub.Publish(stream.NewEvent(stream.EventStatusChanged, map[string]string{
			"milestone_id": res.EntityID,
			"status":       e.Status(res.EntityID),
		}))
	}
}

// applyFields overlays the editable subset of a patch payload onto a
// milestone. Unknown keys are ignored; the server remains authoritative for
// everything else.
func applyFields(m *models.Milestone, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "title":
			if s, ok := v.(string); ok {
				m.Title = s
			}
		case "description":
			if s, ok := v.(string); ok {
				m.Description = s
			}
		case "amount":
			switch n := v.(type) {
			case float64:
				m.Amount = n
			case int:
				m.Amount = float64(n)
			case string:
				var f float64
				if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
					m.Amount = f
				}
			}
		case "start_date":
			if t, ok := parseDate(v); ok {
				m.StartDate = t
			}
		case "completion_date":
			if t, ok := parseDate(v); ok {
				m.CompletionDate = t
			}
		}
	}
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// fieldSnapshot is the draft-store baseline view of a milestone.
func fieldSnapshot(m models.Milestone) map[string]any {
	out := map[string]any{
		"title":       m.Title,
		"description": m.Description,
		"amount":      m.Amount,
	}
	if !m.StartDate.IsZero() {
		out["start_date"] = m.StartDate.Format("2006-01-02")
	}
	if !m.CompletionDate.IsZero() {
		out["completion_date"] = m.CompletionDate.Format("2006-01-02")
	}
	return out
}
