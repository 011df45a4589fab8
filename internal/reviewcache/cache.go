// Package reviewcache is the ReviewCache (C6): at-most-one-in-flight review
// per (task_id, fingerprint), persisted durably in the Store and
// backstopped by an in-memory TTL cache for the hot-read path. A
// check-then-insert-under-one-key discipline runs the review once and lets
// every other caller for the same key join the in-flight result.
package reviewcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// RunFunc computes a fresh review. Called at most once per (task_id,
// fingerprint) key at any given time — concurrent callers for the same key
// block on the same call's result instead of re-running it.
type RunFunc func(ctx context.Context) (*store.ReviewReport, error)

type call struct {
	done   chan struct{}
	result *store.ReviewReport
	err    error
}

// Cache is the sole mutator of ReviewReport rows.
type Cache struct {
	store *store.Store
	bus   *events.Bus
	ttl   *gocache.Cache

	mu       sync.Mutex
	inflight map[string]*call
}

func New(st *store.Store, bus *events.Bus, ttl, cleanupInterval time.Duration) *Cache {
	return &Cache{
		store:    st,
		bus:      bus,
		ttl:      gocache.New(ttl, cleanupInterval),
		inflight: make(map[string]*call),
	}
}

func key(taskID, fingerprint string) string {
	return taskID + "|" + fingerprint
}

// GetOrRun returns the cached/persisted review for (taskID, fingerprint) if
// one exists, otherwise runs run exactly once and lets any concurrent
// caller for the same key join that single run's result, enforcing
// at-most-one-in-flight per fingerprint.
func (c *Cache) GetOrRun(ctx context.Context, taskID, fingerprint string, run RunFunc) (*store.ReviewReport, error) {
	k := key(taskID, fingerprint)

	if v, ok := c.ttl.Get(k); ok {
		return v.(*store.ReviewReport), nil
	}
	if r, err := c.store.GetReviewReport(ctx, taskID, fingerprint); err == nil && r != nil {
		c.ttl.SetDefault(k, r)
		return r, nil
	}

	c.mu.Lock()
	if existing, ok := c.inflight[k]; ok {
		c.mu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[k] = cl
	c.mu.Unlock()

	cl.result, cl.err = c.execute(ctx, taskID, fingerprint, run)

	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()
	close(cl.done)

	return cl.result, cl.err
}

func (c *Cache) execute(ctx context.Context, taskID, fingerprint string, run RunFunc) (*store.ReviewReport, error) {
	r, err := run(ctx)
	if err != nil {
		return nil, fmt.Errorf("review run for task %s: %w", taskID, err)
	}
	r.TaskID = taskID
	r.Fingerprint = fingerprint

	if err := c.store.PutReviewReport(ctx, r); err != nil {
		return nil, err
	}
	c.ttl.SetDefault(key(taskID, fingerprint), r)

	if c.bus != nil {
		projectID := ""
		if t, err := c.store.GetTask(ctx, taskID); err == nil {
			projectID = t.ProjectID
		}
		_, _ = c.bus.Publish(ctx, projectID, events.TypeReviewCompleted, map[string]any{
			"task_id": taskID, "fingerprint": fingerprint,
		})
	}
	return r, nil
}

// Invalidate drops any cached/in-flight entries for a (taskID, fingerprint)
// pair — used when a file change produces a new fingerprint and the stale
// one should no longer be served. The durable row is
// left as history; ListTaskReviews still returns it.
func (c *Cache) Invalidate(taskID, fingerprint string) {
	c.ttl.Delete(key(taskID, fingerprint))
}

// History returns every historical report for a task across fingerprints.
func (c *Cache) History(ctx context.Context, taskID string) ([]*store.ReviewReport, error) {
	return c.store.ListTaskReviews(ctx, taskID)
}
