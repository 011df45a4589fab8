package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyWriteThenEditRoundTrips(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	err := w.Apply([]Change{{Path: "pkg/foo.go", NewText: "package pkg\n\nfunc Foo() int { return 1 }\n"}})
	if err != nil {
		t.Fatalf("Apply write: %v", err)
	}

	content, err := w.ReadFile("pkg/foo.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content == "" {
		t.Fatal("expected written content")
	}

	err = w.Apply([]Change{{Path: "pkg/foo.go", OldText: "return 1", NewText: "return 2"}})
	if err != nil {
		t.Fatalf("Apply edit: %v", err)
	}
	content, _ = w.ReadFile("pkg/foo.go")
	if want := "return 2"; !strings.Contains(content, want) {
		t.Fatalf("content = %q, want it to contain %q", content, want)
	}
}

func TestResolveRejectsPathEscapingRoot(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	if err := w.Apply([]Change{{Path: "../outside.go", NewText: "x"}}); err == nil {
		t.Fatal("expected rejection of a path escaping the workspace root")
	}
}

func TestApplyFailsWhenOldTextNotUnique(t *testing.T) {
	root := t.TempDir()
	w := New(root)
	if err := os.WriteFile(filepath.Join(root, "dup.txt"), []byte("a a"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.Apply([]Change{{Path: "dup.txt", OldText: "a", NewText: "b"}}); err == nil {
		t.Fatal("expected rejection of a non-unique old_text match")
	}
}
