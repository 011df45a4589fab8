package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/config"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config.yaml: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config.yaml: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != config.ConfigPath(home) {
			t.Fatalf("unexpected event path: %s", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
