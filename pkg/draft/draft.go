// Package draft reconciles locally cached, in-progress edits against the
// authoritative server snapshot of an entity. Unsaved work is never silently
// lost and never silently overwrites newer server state: drafts overlay the
// snapshot field by field and are cleared only by an explicit discard or a
// successful authoritative save.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/store"
)

// DefaultDebounce is a tuning parameter, not a correctness contract. Rapid
// successive edits inside the window coalesce into one persistence write.
const DefaultDebounce = time.Second

// Record is the serialized form of one draft in the KV collaborator.
type Record struct {
	Fields      map[string]any `json:"fields"`
	Baseline    map[string]any `json:"baseline,omitempty"`
	LastSavedAt *time.Time     `json:"last_saved_at,omitempty"`
}

type entry struct {
	fields      map[string]any
	baseline    map[string]any
	lastSavedAt time.Time
	timer       *time.Timer
}

// Store keeps one draft per entity id. In-memory state is authoritative for
// the session; the KV write is best effort and failures are swallowed (the
// staleness shows up through LastSavedAt).
type Store struct {
	// Debounce is the autosave delay; the timer restarts on every edit.
	Debounce time.Duration

	kv      store.KV
	prefix  string
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewStore(kv store.KV) *Store {
	return &Store{
		Debounce: DefaultDebounce,
		kv:       kv,
		prefix:   "draft:",
		entries:  map[string]*entry{},
		nowFunc:  time.Now,
	}
}

func (s *Store) key(id string) string { return s.prefix + id }

func (s *Store) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// Load returns the effective form for an entity: the server snapshot overlaid
// with any pending draft fields (draft wins field by field). The snapshot
// becomes the new dirtiness baseline. A draft persisted by a previous session
// is restored from the KV store.
func (s *Store) Load(ctx context.Context, id string, snapshot map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{fields: map[string]any{}}
		if raw, err := s.kv.Get(ctx, s.key(id)); err == nil {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				if rec.Fields != nil {
					e.fields = rec.Fields
				}
				if rec.LastSavedAt != nil {
					e.lastSavedAt = *rec.LastSavedAt
				}
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			// Read failure degrades to an empty draft; the session continues.
		}
		s.entries[id] = e
	}
	e.baseline = copyForm(snapshot)

	effective := copyForm(snapshot)
	for k, v := range e.fields {
		effective[k] = v
	}
	return effective
}

// SetField applies one field change synchronously and schedules a debounced
// persistence write. The timer restarts on every change, so only the value
// present when it fires is persisted, and only while the form is dirty.
func (s *Store) SetField(ctx context.Context, id, field string, value any) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{fields: map[string]any{}}
		s.entries[id] = e
	}
	e.fields[field] = value
	if e.timer != nil {
		e.timer.Stop()
	}
	delay := s.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	e.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entries[id]; ok && dirtyLocked(cur) {
			s.persistLocked(context.Background(), id, cur)
		}
	})
	s.mu.Unlock()
}

// IsDirty compares pending fields against the baseline snapshot. Numeric
// values compare numerically ("250" equals 250) so input-widget serialization
// does not produce false positives.
func (s *Store) IsDirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	return dirtyLocked(e)
}

// Discard deletes the persisted draft and resets the form to the baseline.
// Calling it twice is a no-op the second time.
func (s *Store) Discard(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.fields = map[string]any{}
		e.lastSavedAt = time.Time{}
	}
	_ = s.kv.Del(ctx, s.key(id))
}

// Commit is called after a successful authoritative save: the persisted draft
// is deleted and the new server snapshot becomes the baseline. This is the
// only path that clears dirtiness permanently.
func (s *Store) Commit(ctx context.Context, id string, newSnapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.fields = map[string]any{}
	e.baseline = copyForm(newSnapshot)
	e.lastSavedAt = time.Time{}
	_ = s.kv.Del(ctx, s.key(id))
}

// SaveNow persists the draft immediately, bypassing the debounce timer. It
// does not touch the dirtiness computation: the change has not reached the
// server, so the form stays dirty relative to the baseline.
func (s *Store) SaveNow(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	s.persistLocked(ctx, id, e)
}

// LastSavedAt reports when the draft last reached the KV store; the zero time
// means never (or not since the last commit/discard).
func (s *Store) LastSavedAt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.lastSavedAt
	}
	return time.Time{}
}

// Fields returns a copy of the pending draft fields for an entity.
func (s *Store) Fields(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return copyForm(e.fields)
	}
	return map[string]any{}
}

func (s *Store) persistLocked(ctx context.Context, id string, e *entry) {
	savedAt := s.now().UTC()
	rec := Record{Fields: e.fields, Baseline: e.baseline, LastSavedAt: &savedAt}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	// Write failures (quota, availability) are swallowed; the in-memory form
	// stays authoritative and lastSavedAt is left stale.
	if err := s.kv.Set(ctx, s.key(id), string(raw)); err != nil {
		return
	}
	e.lastSavedAt = savedAt
}

func dirtyLocked(e *entry) bool {
	for k, v := range e.fields {
		if !equalField(v, e.baseline[k]) {
			return true
		}
	}
	return false
}

func copyForm(form map[string]any) map[string]any {
	out := make(map[string]any, len(form))
	for k, v := range form {
		out[k] = v
	}
	return out
}

// equalField compares a pending value to its baseline. Numbers compare
// numerically across representations; everything else falls back to deep
// equality.
func equalField(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
