package draft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/store"
)

func newTestStore(kv store.KV) *Store {
	s := NewStore(kv)
	s.Debounce = 10 * time.Millisecond
	return s
}

func TestLoadOverlaysDraftOverSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	snapshot := map[string]any{"amount": float64(100), "title": "Framing"}
	form := s.Load(ctx, "m1", snapshot)
	if form["amount"] != float64(100) {
		t.Fatalf("expected snapshot amount, got %v", form["amount"])
	}

	s.SetField(ctx, "m1", "amount", float64(150))
	form = s.Load(ctx, "m1", snapshot)
	if form["amount"] != float64(150) {
		t.Fatalf("draft must win field-by-field, got %v", form["amount"])
	}
	if form["title"] != "Framing" {
		t.Fatalf("untouched fields come from the snapshot, got %v", form["title"])
	}
}

func TestDraftSurvivesReload(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()

	s := newTestStore(kv)
	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.SetField(ctx, "m1", "amount", float64(150))
	s.SaveNow(ctx, "m1")

	// A new store over the same KV models a fresh session.
	s2 := newTestStore(kv)
	form := s2.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	if form["amount"] != float64(150) {
		t.Fatalf("reload must return the unsaved edit, got %v", form["amount"])
	}
	if !s2.IsDirty("m1") {
		t.Fatal("restored draft differing from snapshot must be dirty")
	}
}

func TestIsDirtyNumericComparison(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(store.NewMemoryKV())

	s.Load(ctx, "m1", map[string]any{"amount": float64(250)})
	s.SetField(ctx, "m1", "amount", "250")
	if s.IsDirty("m1") {
		t.Fatal(`"250" and 250 must compare equal`)
	}
	s.SetField(ctx, "m1", "amount", "250.5")
	if !s.IsDirty("m1") {
		t.Fatal("changed numeric value must be dirty")
	}
	s.SetField(ctx, "m1", "amount", json.Number("250"))
	if s.IsDirty("m1") {
		t.Fatal("json.Number 250 must compare equal to 250")
	}
}

func TestDiscardIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.SetField(ctx, "m1", "amount", float64(175))
	s.SaveNow(ctx, "m1")
	if kv.Len() != 1 {
		t.Fatalf("expected one persisted draft, got %d", kv.Len())
	}

	s.Discard(ctx, "m1")
	if s.IsDirty("m1") {
		t.Fatal("discard must clear dirtiness")
	}
	if kv.Len() != 0 {
		t.Fatal("discard must delete the persisted draft")
	}

	// Second discard is a no-op.
	s.Discard(ctx, "m1")
	if s.IsDirty("m1") || kv.Len() != 0 {
		t.Fatal("repeated discard must stay clean")
	}
}

func TestLoadThenCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	snapshot := map[string]any{"amount": float64(100)}
	s.Load(ctx, "m1", snapshot)
	s.Commit(ctx, "m1", snapshot)
	if s.IsDirty("m1") {
		t.Fatal("commit with no intervening edits must not be dirty")
	}
	if kv.Len() != 0 {
		t.Fatal("commit must leave no persisted draft")
	}
}

func TestCommitResetsBaseline(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.SetField(ctx, "m1", "amount", float64(150))
	if !s.IsDirty("m1") {
		t.Fatal("edit must be dirty before commit")
	}

	s.Commit(ctx, "m1", map[string]any{"amount": float64(150)})
	if s.IsDirty("m1") {
		t.Fatal("commit clears dirtiness against the new snapshot")
	}
	form := s.Load(ctx, "m1", map[string]any{"amount": float64(150)})
	if form["amount"] != float64(150) {
		t.Fatalf("effective form tracks the committed snapshot, got %v", form["amount"])
	}
}

func TestDebounceCoalescesWrites(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	for i := 0; i < 5; i++ {
		s.SetField(ctx, "m1", "amount", float64(101+i))
	}
	if kv.Len() != 0 {
		t.Fatal("no write before the debounce window elapses")
	}

	deadline := time.Now().Add(time.Second)
	for kv.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	raw, err := kv.Get(ctx, "draft:m1")
	if err != nil {
		t.Fatalf("expected persisted draft: %v", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Fields["amount"] != float64(105) {
		t.Fatalf("only the final value is persisted, got %v", rec.Fields["amount"])
	}
	if s.LastSavedAt("m1").IsZero() {
		t.Fatal("lastSavedAt advances on successful persist")
	}
}

func TestDebounceSkipsCleanForm(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	// Editing back to the baseline value leaves the form clean.
	s.SetField(ctx, "m1", "amount", float64(100))
	time.Sleep(50 * time.Millisecond)
	if kv.Len() != 0 {
		t.Fatal("clean form must not be persisted by the autosave timer")
	}
}

func TestPersistenceFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	kv.FailWrites = true
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.SetField(ctx, "m1", "amount", float64(150))
	s.SaveNow(ctx, "m1")

	if !s.LastSavedAt("m1").IsZero() {
		t.Fatal("failed write must not advance lastSavedAt")
	}
	// The in-memory form stays authoritative for the session.
	form := s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	if form["amount"] != float64(150) {
		t.Fatalf("in-memory edit survives write failure, got %v", form["amount"])
	}
	if !s.IsDirty("m1") {
		t.Fatal("dirtiness is unaffected by persistence failures")
	}
}

func TestSaveNowDoesNotClearDirtiness(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s := newTestStore(kv)

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.SetField(ctx, "m1", "amount", float64(175))
	s.SaveNow(ctx, "m1")

	if kv.Len() != 1 {
		t.Fatal("manual save writes immediately")
	}
	if !s.IsDirty("m1") {
		t.Fatal("manual save must not clear dirtiness; the server has not seen the change")
	}
}

func TestMultipleEntitiesIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(store.NewMemoryKV())

	s.Load(ctx, "m1", map[string]any{"amount": float64(100)})
	s.Load(ctx, "m2", map[string]any{"amount": float64(200)})
	s.SetField(ctx, "m1", "amount", float64(150))

	if !s.IsDirty("m1") {
		t.Fatal("m1 must be dirty")
	}
	if s.IsDirty("m2") {
		t.Fatal("m2 must be unaffected by edits to m1")
	}
}
