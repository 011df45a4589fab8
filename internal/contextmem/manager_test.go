package contextmem

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

func newTestManager(t *testing.T, budget Budget) (*Manager, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateProject(ctx, "p1", "P1", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}

	bus := events.New(nil, st)
	return New(st, bus, budget), st
}

func TestRetierAssignsTopDownByImportance(t *testing.T) {
	ctx := context.Background()
	// Each item is ~25 tokens (100 chars / 4); HOT budget fits exactly one.
	m, st := newTestManager(t, Budget{HotTokens: 30, WarmTokens: 60, ModelWindow: 1000, HeadroomFrac: 0.1})

	mk := func(key string, importance float64) {
		item := &store.MemoryItem{
			ID: "a1:" + key, AgentID: "a1", ProjectID: "p1", Tier: store.TierWarm,
			Key: key, Value: string(make([]byte, 100)), Importance: importance,
			AccessedAt: time.Now(), CreatedAt: time.Now(),
		}
		if err := st.UpsertMemoryItem(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	mk("high", 0.9)
	mk("mid", 0.5)
	mk("low", 0.1)

	if err := m.Retier(ctx, "a1"); err != nil {
		t.Fatalf("Retier: %v", err)
	}

	hot, err := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierHot))
	if err != nil {
		t.Fatal(err)
	}
	if len(hot) != 1 || hot[0].Key != "high" {
		t.Fatalf("expected only 'high' in HOT, got %+v", hot)
	}

	warm, err := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierWarm))
	if err != nil {
		t.Fatal(err)
	}
	if len(warm) != 1 || warm[0].Key != "mid" {
		t.Fatalf("expected only 'mid' in WARM, got %+v", warm)
	}

	cold, err := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierCold))
	if err != nil {
		t.Fatal(err)
	}
	if len(cold) != 1 || cold[0].Key != "low" {
		t.Fatalf("expected only 'low' in COLD, got %+v", cold)
	}
}

func TestRetierIsIdempotent(t *testing.T) {
	// Calling retier twice with no intervening change yields an
	// identical tier assignment.
	ctx := context.Background()
	m, st := newTestManager(t, DefaultBudget())

	m.Record(ctx, "a1", "p1", "fact1", "go uses tabs", 0.7, false)
	m.Record(ctx, "a1", "p1", "fact2", "db is postgres", 0.4, false)

	if err := m.Retier(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	first, _ := st.ListMemoryItems(ctx, "a1", nil)
	tiers1 := make(map[string]store.MemoryTier)
	for _, it := range first {
		tiers1[it.Key] = it.Tier
	}

	if err := m.Retier(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	second, _ := st.ListMemoryItems(ctx, "a1", nil)
	for _, it := range second {
		if tiers1[it.Key] != it.Tier {
			t.Fatalf("tier for %q changed across idempotent retier: %s -> %s", it.Key, tiers1[it.Key], it.Tier)
		}
	}
}

func TestRetrieveExcludesColdUnlessRehydrate(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, Budget{HotTokens: 10, WarmTokens: 10, ModelWindow: 1000, HeadroomFrac: 0.1})

	item := &store.MemoryItem{
		ID: "a1:archived", AgentID: "a1", ProjectID: "p1", Tier: store.TierCold,
		Key: "archived", Value: "old fact", Importance: 0.1,
		AccessedAt: time.Now(), CreatedAt: time.Now(),
	}
	if err := st.UpsertMemoryItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	without, err := m.Retrieve(ctx, "a1", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(without) != 0 {
		t.Fatalf("expected COLD item excluded by default, got %+v", without)
	}

	with, err := m.Retrieve(ctx, "a1", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(with) != 1 || with[0].Key != "archived" {
		t.Fatalf("expected COLD item via rehydrate, got %+v", with)
	}
}

func TestRescoreFavorsRecentPinnedOverStale(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, DefaultBudget())

	stale := &store.MemoryItem{
		ID: "a1:stale", AgentID: "a1", ProjectID: "p1", Tier: store.TierWarm,
		Key: "stale", Value: "rarely used", AccessCount: 0, Pinned: false,
		AccessedAt: time.Now().Add(-30 * 24 * time.Hour), CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	pinned := &store.MemoryItem{
		ID: "a1:pin", AgentID: "a1", ProjectID: "p1", Tier: store.TierWarm,
		Key: "pin", Value: "always relevant", AccessCount: 0, Pinned: true,
		AccessedAt: time.Now().Add(-30 * 24 * time.Hour), CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	st.UpsertMemoryItem(ctx, stale)
	st.UpsertMemoryItem(ctx, pinned)

	if _, err := m.Rescore(ctx, "a1"); err != nil {
		t.Fatalf("Rescore: %v", err)
	}

	got, err := st.ListMemoryItems(ctx, "a1", nil)
	if err != nil {
		t.Fatal(err)
	}
	scores := make(map[string]float64)
	for _, it := range got {
		scores[it.Key] = it.Importance
	}
	if scores["pin"] <= scores["stale"] {
		t.Fatalf("expected pinned item to outscore stale unpinned item: pin=%f stale=%f", scores["pin"], scores["stale"])
	}
}

func TestFlashSaveIdempotentWithinDeadTime(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, Budget{HotTokens: 10, WarmTokens: 10, ModelWindow: 1000, HeadroomFrac: 0.5})

	for i := 0; i < 3; i++ {
		item := &store.MemoryItem{
			ID: "a1:cold" + string(rune('a'+i)), AgentID: "a1", ProjectID: "p1", Tier: store.TierCold,
			Key: "cold" + string(rune('a'+i)), Value: "archived fact", Importance: 0.1,
			AccessedAt: time.Now(), CreatedAt: time.Now(),
		}
		if err := st.UpsertMemoryItem(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.FlashSave(ctx, "a1", "headroom_low"); err != nil {
		t.Fatalf("first FlashSave: %v", err)
	}

	remaining, _ := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierCold))
	if len(remaining) != 0 {
		t.Fatalf("expected COLD items archived away, got %+v", remaining)
	}
	warm, _ := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierWarm))
	if len(warm) != 1 {
		t.Fatalf("expected exactly one summary item in WARM, got %+v", warm)
	}

	// Second call within the dead time is a no-op: re-adding a COLD item and
	// calling FlashSave again must not create a second flash checkpoint.
	again := &store.MemoryItem{
		ID: "a1:cold_again", AgentID: "a1", ProjectID: "p1", Tier: store.TierCold,
		Key: "cold_again", Value: "archived fact", Importance: 0.1,
		AccessedAt: time.Now(), CreatedAt: time.Now(),
	}
	st.UpsertMemoryItem(ctx, again)
	if err := m.FlashSave(ctx, "a1", "headroom_low"); err != nil {
		t.Fatalf("second FlashSave: %v", err)
	}
	stillCold, _ := st.ListMemoryItems(ctx, "a1", tierPtr(store.TierCold))
	if len(stillCold) != 1 {
		t.Fatalf("expected the dead-time-gated call to leave the newly-added COLD item untouched, got %+v", stillCold)
	}
}

