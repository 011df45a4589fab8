package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(nil, st), st
}

func TestPublishDeliversOnlyToMatchingFilter(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	subP1 := b.Subscribe()
	subP1.SetProjectFilter([]string{"p1"})
	defer b.Unsubscribe(subP1)

	subP2 := b.Subscribe()
	subP2.SetProjectFilter([]string{"p2"})
	defer b.Unsubscribe(subP2)

	if _, err := b.Publish(ctx, "p1", TypeTaskCreated, map[string]string{"task_id": "t1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-subP1.Ch():
		if e.ProjectID != "p1" {
			t.Fatalf("got project %q, want p1", e.ProjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("subP1 did not receive matching event")
	}

	select {
	case <-subP2.Ch():
		t.Fatal("subP2 should not receive p1-scoped event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterExemptEventReachesEverySubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe() // empty filter
	defer b.Unsubscribe(sub)

	if _, err := b.Publish(ctx, "", "health_ping", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected filter-exempt event to be delivered regardless of filter")
	}
}

func TestSeqStrictlyIncreasingPerSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe()
	sub.SetProjectFilter([]string{"p1"})
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "p1", TypeTaskStarted, nil); err != nil {
			t.Fatal(err)
		}
	}

	var last int64
	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.Ch():
			if e.Seq <= last {
				t.Fatalf("seq %d not strictly increasing after %d", e.Seq, last)
			}
			last = e.Seq
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestOverflowDisconnectsOnlyThatSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	victim := b.Subscribe()
	victim.SetProjectFilter([]string{"p1"})
	healthy := b.Subscribe()
	healthy.SetProjectFilter([]string{"p1"})
	defer b.Unsubscribe(healthy)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range healthy.Ch() {
		}
	}()

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(ctx, "p1", TypeTaskStarted, nil)
	}
	time.Sleep(50 * time.Millisecond)

	if !victim.Disconnected() {
		t.Fatal("expected victim subscriber to be disconnected after overflow")
	}
	if healthy.Disconnected() {
		t.Fatal("healthy subscriber should be unaffected by victim's overflow")
	}
}
