// Package remote is the only component that talks to the agreement/milestone
// service. Several operations are exposed upstream under more than one legacy
// path; the resolver tries an ordered candidate list and treats not-found as
// "try the next alias" while any other failure aborts immediately.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/httpx"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/metrics"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
)

// ErrEndpointMiss marks a candidate that responded not-found. It never
// reaches users; the resolver advances to the next candidate.
var ErrEndpointMiss = errors.New("remote: endpoint not found")

// Error is a non-404 upstream failure; it aborts the candidate chain.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: status=%d body=%s", e.Status, e.Body)
}

// Endpoint is one candidate request shape. The ordered candidate lists on the
// Client are first-class values so the fallback order is testable.
type Endpoint struct {
	Method string
	Path   string // may contain {id}
}

func (e Endpoint) url(base, id string) string {
	return base + strings.ReplaceAll(e.Path, "{id}", id)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
	Metrics    *metrics.Registry

	AgreementEndpoints    []Endpoint
	MilestoneEndpoints    []Endpoint
	PatchEndpoints        []Endpoint
	DeleteEndpoints       []Endpoint
	SubmitReviewEndpoints []Endpoint
}

// NewClient wires the default candidate lists. The project-scoped paths are
// the current API; the bare milestone paths are the legacy aliases still
// served by older deployments.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 50 * time.Millisecond,
		AgreementEndpoints: []Endpoint{
			{http.MethodGet, "/api/projects/agreements/{id}/"},
			{http.MethodGet, "/api/agreements/{id}/"},
		},
		MilestoneEndpoints: []Endpoint{
			{http.MethodGet, "/api/projects/milestones/{id}/"},
			{http.MethodGet, "/api/milestones/{id}/"},
		},
		PatchEndpoints: []Endpoint{
			{http.MethodPatch, "/api/projects/milestones/{id}/"},
			{http.MethodPatch, "/api/milestones/{id}/"},
		},
		DeleteEndpoints: []Endpoint{
			{http.MethodDelete, "/api/projects/milestones/{id}/"},
			{http.MethodDelete, "/api/milestones/{id}/"},
			{http.MethodPost, "/api/milestones/{id}/delete/"},
		},
		SubmitReviewEndpoints: []Endpoint{
			{http.MethodPost, "/api/projects/milestones/{id}/complete/"},
			{http.MethodPost, "/api/milestones/{id}/complete/"},
			{http.MethodPost, "/api/milestones/{id}/submit-review/"},
		},
	}
}

func (c *Client) headers() map[string]string {
	if strings.TrimSpace(c.AuthToken) == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + strings.TrimSpace(c.AuthToken)}
}

// resolve tries candidates in order. A 404 advances to the next candidate;
// any other error class aborts the chain so genuine failures are never masked
// as "try next".
func (c *Client) resolve(ctx context.Context, candidates []Endpoint, id string, body []byte) ([]byte, error) {
	if len(candidates) == 0 {
		return nil, errors.New("remote: no endpoint candidates configured")
	}
	misses := 0
	for _, ep := range candidates {
		status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, ep.Method, ep.url(c.BaseURL, id), body, c.headers(), c.Retries, c.RetryDelay)
		if err != nil {
			c.observe(ep, metrics.CandidateErr)
			return nil, fmt.Errorf("remote: %s %s: %w", ep.Method, ep.Path, err)
		}
		if status == http.StatusNotFound {
			c.observe(ep, metrics.CandidateMiss)
			misses++
			continue
		}
		if status >= 300 {
			c.observe(ep, metrics.CandidateErr)
			return nil, &Error{Status: status, Body: strings.TrimSpace(string(respBody))}
		}
		c.observe(ep, metrics.CandidateHit)
		return respBody, nil
	}
	return nil, fmt.Errorf("%w after %d candidates", ErrEndpointMiss, misses)
}

func (c *Client) observe(ep Endpoint, outcome string) {
	if c.Metrics != nil {
		c.Metrics.IncCandidate(ep.Path, outcome)
	}
}

func (c *Client) FetchAgreement(ctx context.Context, id string) (models.Agreement, error) {
	respBody, err := c.resolve(ctx, c.AgreementEndpoints, id, nil)
	if err != nil {
		return models.Agreement{}, err
	}
	var out models.Agreement
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.Agreement{}, fmt.Errorf("remote: decode agreement: %w", err)
	}
	return out.Normalize(), nil
}

func (c *Client) FetchMilestone(ctx context.Context, id string) (models.Milestone, error) {
	respBody, err := c.resolve(ctx, c.MilestoneEndpoints, id, nil)
	if err != nil {
		return models.Milestone{}, err
	}
	var out models.Milestone
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.Milestone{}, fmt.Errorf("remote: decode milestone: %w", err)
	}
	return out, nil
}

// PatchMilestone sends the edited fields and returns the updated server
// record when the endpoint echoes one back.
func (c *Client) PatchMilestone(ctx context.Context, id string, fields map[string]any) (models.Milestone, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return models.Milestone{}, fmt.Errorf("remote: encode patch: %w", err)
	}
	respBody, err := c.resolve(ctx, c.PatchEndpoints, id, body)
	if err != nil {
		return models.Milestone{}, err
	}
	out := models.Milestone{ID: id}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return models.Milestone{}, fmt.Errorf("remote: decode milestone: %w", err)
		}
	}
	return out, nil
}

func (c *Client) DeleteMilestone(ctx context.Context, id string) error {
	_, err := c.resolve(ctx, c.DeleteEndpoints, id, nil)
	return err
}

// SubmitMilestoneForReview marks a milestone complete upstream, attaching the
// evidence bundle as an opaque payload.
func (c *Client) SubmitMilestoneForReview(ctx context.Context, id string, evidence models.EvidenceBundle) (models.Milestone, error) {
	body, err := json.Marshal(evidence)
	if err != nil {
		return models.Milestone{}, fmt.Errorf("remote: encode evidence: %w", err)
	}
	respBody, err := c.resolve(ctx, c.SubmitReviewEndpoints, id, body)
	if err != nil {
		return models.Milestone{}, err
	}
	out := models.Milestone{ID: id}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return models.Milestone{}, fmt.Errorf("remote: decode milestone: %w", err)
		}
	}
	return out, nil
}
