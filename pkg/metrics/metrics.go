// Package metrics is a small in-process registry for coordinator counters:
// action verdicts, derived status totals and endpoint candidate outcomes.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	CandidateHit  = "hit"
	CandidateMiss = "miss"
	CandidateErr  = "error"
)

type Registry struct {
	mu         sync.RWMutex
	actions    map[string]int64
	statuses   map[string]int64
	candidates map[string]int64
	gauges     map[string]float64
}

type Snapshot struct {
	GeneratedAt string             `json:"generated_at"`
	Actions     map[string]int64   `json:"actions"`
	Statuses    map[string]int64   `json:"statuses"`
	Candidates  map[string]int64   `json:"endpoint_candidates"`
	Gauges      map[string]float64 `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		actions:    map[string]int64{},
		statuses:   map[string]int64{},
		candidates: map[string]int64{},
		gauges:     map[string]float64{},
	}
}

// ObserveAction counts one executor outcome keyed by action, verdict and
// reason code.
func (r *Registry) ObserveAction(action, verdict, reason string) {
	action = strings.TrimSpace(action)
	verdict = strings.TrimSpace(verdict)
	if action == "" || verdict == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := action + "|" + verdict + "|" + reason
	r.mu.Lock()
	r.actions[key]++
	r.mu.Unlock()
}

// IncStatus counts one canonical status derivation result.
func (r *Registry) IncStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.statuses[status]++
	r.mu.Unlock()
}

// IncCandidate counts one endpoint candidate attempt outcome (hit/miss/error).
func (r *Registry) IncCandidate(path, outcome string) {
	if path == "" || outcome == "" {
		return
	}
	key := path + "|" + outcome
	r.mu.Lock()
	r.candidates[key]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Actions:     make(map[string]int64, len(r.actions)),
		Statuses:    make(map[string]int64, len(r.statuses)),
		Candidates:  make(map[string]int64, len(r.candidates)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.actions {
		out.Actions[k] = v
	}
	for k, v := range r.statuses {
		out.Statuses[k] = v
	}
	for k, v := range r.candidates {
		out.Candidates[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP homebro_action_total executor outcomes by action, verdict and reason\n")
		b.WriteString("# TYPE homebro_action_total counter\n")
		for _, key := range sortedKeys(snap.Actions) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			fmt.Fprintf(b, "homebro_action_total{action=%q,verdict=%q,reason=%q} %d\n", parts[0], parts[1], parts[2], snap.Actions[key])
		}

		b.WriteString("# HELP homebro_status_total canonical status derivations\n")
		b.WriteString("# TYPE homebro_status_total counter\n")
		for _, key := range sortedKeys(snap.Statuses) {
			fmt.Fprintf(b, "homebro_status_total{status=%q} %d\n", key, snap.Statuses[key])
		}

		b.WriteString("# HELP homebro_endpoint_candidate_total endpoint candidate attempts by outcome\n")
		b.WriteString("# TYPE homebro_endpoint_candidate_total counter\n")
		for _, key := range sortedKeys(snap.Candidates) {
			parts := strings.SplitN(key, "|", 2)
			if len(parts) != 2 {
				continue
			}
			fmt.Fprintf(b, "homebro_endpoint_candidate_total{path=%q,outcome=%q} %d\n", parts[0], parts[1], snap.Candidates[key])
		}

		b.WriteString("# HELP homebro_gauge operational gauges\n")
		b.WriteString("# TYPE homebro_gauge gauge\n")
		for _, key := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "homebro_gauge{name=%q} %.3f\n", key, snap.Gauges[key])
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
