// Package contextmem is the per-agent tiered memory manager (C3):
// HOT/WARM/COLD importance scoring, tier assignment, and headroom-triggered
// flash-save checkpointing, built around a relevance-sorted budget and
// pinned-content handling, generalized from a single flat block into a
// three-tier state machine.
package contextmem

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// Weights controls rescore's importance formula:
// importance = w1*recency + w2*usage + w3*explicit_pin.
type Weights struct {
	Recency float64
	Usage   float64
	Pin     float64
}

// DefaultWeights favors recency slightly over accumulated usage, with an
// explicit pin always dominating — a pinned item is never evicted.
func DefaultWeights() Weights {
	return Weights{Recency: 0.5, Usage: 0.3, Pin: 0.2}
}

// Manager is the sole mutator of store.MemoryItem rows. One Manager
// instance is shared process-wide; per-agent mutual exclusion is provided
// by per-agent locks, not a single global lock, so retier for agent A never
// blocks a read for agent B: each agent gets its own write lock and its
// own read lock.
type Manager struct {
	store   *store.Store
	bus     *events.Bus
	budget  Budget
	weights Weights
	tau     time.Duration // recency decay constant for exp(-Δt/τ)

	flashSaveDeadTime time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	lastFlashMu sync.Mutex
	lastFlash   map[string]map[string]time.Time // agentID -> reason -> last fire time
}

func New(st *store.Store, bus *events.Bus, budget Budget) *Manager {
	return &Manager{
		store:             st,
		bus:               bus,
		budget:            budget,
		weights:           DefaultWeights(),
		tau:               24 * time.Hour,
		flashSaveDeadTime: 5 * time.Minute,
		locks:             make(map[string]*sync.RWMutex),
		lastFlash:         make(map[string]map[string]time.Time),
	}
}

func (m *Manager) lockFor(agentID string) *sync.RWMutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[agentID] = l
	}
	return l
}

// Record stores a new fact or updates an existing one by key, entering at
// WARM tier with the caller-supplied initial importance, the way an agent
// flushes an important observation back with its own sense of how much it
// matters. Pinned items are never demoted below WARM by rescore/retier
// weighting alone, though retier can still place a pinned item in COLD if
// HOT+WARM budgets are both exhausted by higher-importance pins — pinning
// raises priority, it does not reserve budget.
func (m *Manager) Record(ctx context.Context, agentID, projectID, key, value string, importance float64, pinned bool) (*store.MemoryItem, error) {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	item := &store.MemoryItem{
		ID:         agentID + ":" + key,
		AgentID:    agentID,
		ProjectID:  projectID,
		Tier:       store.TierWarm,
		Key:        key,
		Value:      value,
		Importance: importance,
		Pinned:     pinned,
		AccessedAt: now,
		CreatedAt:  now,
	}
	if err := m.store.UpsertMemoryItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Retrieve returns an agent's memory ordered HOT first, then WARM; COLD
// items are excluded unless rehydrate is true, so COLD is only surfaced on
// an explicit rehydrate request. query is an optional case-sensitive substring filter
// over key+value, applied within each tier without changing tier ordering.
func (m *Manager) Retrieve(ctx context.Context, agentID, query string, rehydrate bool) ([]*store.MemoryItem, error) {
	l := m.lockFor(agentID)
	l.RLock()
	defer l.RUnlock()

	hot, err := m.store.ListMemoryItems(ctx, agentID, tierPtr(store.TierHot))
	if err != nil {
		return nil, err
	}
	warm, err := m.store.ListMemoryItems(ctx, agentID, tierPtr(store.TierWarm))
	if err != nil {
		return nil, err
	}
	out := append(filterByQuery(hot, query), filterByQuery(warm, query)...)

	if rehydrate {
		cold, err := m.store.ListMemoryItems(ctx, agentID, tierPtr(store.TierCold))
		if err != nil {
			return nil, err
		}
		out = append(out, filterByQuery(cold, query)...)
	}
	return out, nil
}

func filterByQuery(items []*store.MemoryItem, query string) []*store.MemoryItem {
	if query == "" {
		return items
	}
	var out []*store.MemoryItem
	for _, it := range items {
		if containsFold(it.Key, query) || containsFold(it.Value, query) {
			out = append(out, it)
		}
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 {
		return 0
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func tierPtr(t store.MemoryTier) *store.MemoryTier { return &t }

// recencyScore implements exp(-Δt/τ) against a reference time.
func recencyScore(accessedAt, now time.Time, tau time.Duration) float64 {
	if tau <= 0 {
		return 0
	}
	delta := now.Sub(accessedAt)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-float64(delta) / float64(tau))
}

// usageScore saturates accumulated access_count so a handful of early
// accesses don't permanently outweigh everything else.
func usageScore(accessCount int) float64 {
	return 1 - math.Exp(-float64(accessCount)/5.0)
}

func pinScore(pinned bool) float64 {
	if pinned {
		return 1
	}
	return 0
}

// Rescore recomputes importance for every memory item an agent owns, using
// the weighted formula above. It does not change tiers — call Retier
// afterward to apply the new ordering to the HOT/WARM/COLD assignment.
func (m *Manager) Rescore(ctx context.Context, agentID string) (int, error) {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	items, err := m.rescoreLocked(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (m *Manager) rescoreLocked(ctx context.Context, agentID string) ([]*store.MemoryItem, error) {
	all, err := m.collectAllTiers(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, it := range all {
		score := m.weights.Recency*recencyScore(it.AccessedAt, now, m.tau) +
			m.weights.Usage*usageScore(it.AccessCount) +
			m.weights.Pin*pinScore(it.Pinned)
		it.Importance = score
		if err := m.store.UpsertMemoryItem(ctx, it); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (m *Manager) collectAllTiers(ctx context.Context, agentID string) ([]*store.MemoryItem, error) {
	var all []*store.MemoryItem
	for _, t := range []store.MemoryTier{store.TierHot, store.TierWarm, store.TierCold} {
		items, err := m.store.ListMemoryItems(ctx, agentID, tierPtr(t))
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

// Retier assigns tiers top-down by importance until the HOT budget is
// reached, then WARM, remainder to COLD — atomic per agent. On a
// post-assignment budget violation (a bug in the accounting above) the whole
// rewrite is rolled back and ContextBudgetViolation is returned with item
// state left exactly as it was before the call.
func (m *Manager) Retier(ctx context.Context, agentID string) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	var projectID string
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		items, err := m.store.ListMemoryItemsTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].Importance > items[j].Importance })

		hotUsed, warmUsed := 0, 0
		for _, it := range items {
			if projectID == "" {
				projectID = it.ProjectID
			}
			tokens := EstimateTokens(it.Value)
			switch {
			case hotUsed+tokens <= m.budget.HotTokens:
				it.Tier = store.TierHot
				hotUsed += tokens
			case warmUsed+tokens <= m.budget.WarmTokens:
				it.Tier = store.TierWarm
				warmUsed += tokens
			default:
				it.Tier = store.TierCold
			}
			if err := m.store.UpsertMemoryItemTx(ctx, tx, it); err != nil {
				return err
			}
		}

		if hotUsed > m.budget.HotTokens {
			return core.ContextBudget("retier", "HOT budget exceeded after tier assignment")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.bus != nil {
		_, _ = m.bus.Publish(ctx, projectID, events.TypeContextRetier, map[string]string{"agent_id": agentID})
	}
	return nil
}
