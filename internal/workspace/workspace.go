// Package workspace applies AgentRuntime's file-change output to disk: a
// path-traversal guard plus atomic-write-then-rename, confined to a single
// project root, since the workspace facade here is an internal step of a
// task loop, not an LLM-exposed tool in its own right.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/frankbria/codeframe/internal/core"
)

// Workspace confines file operations to Root. Every path is resolved and
// symlink-evaluated relative to Root; paths that escape it are rejected.
type Workspace struct {
	Root string
}

func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Change is a single file mutation an AgentRuntime step wants applied.
// OldText/NewText select edit_file semantics (OldText non-empty); an empty
// OldText with non-empty NewText is a full write_file.
type Change struct {
	Path    string
	OldText string
	NewText string
}

// FingerprintParts satisfies core.ContentFingerprint's changeLike
// constraint: a review fingerprint is keyed on the resulting content, not
// the edit instruction that produced it.
func (c Change) FingerprintParts() (path, content string) {
	return c.Path, c.NewText
}

// resolve joins path under Root and rejects any traversal outside of it.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", core.Validation("workspace_resolve", "empty path")
	}
	joined := filepath.Join(w.Root, path)
	rel, err := filepath.Rel(w.Root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", core.Validationf("workspace_resolve", "path %q escapes workspace root", path)
	}
	return joined, nil
}

// ReadFile returns the content of a file relative to Root.
func (w *Workspace) ReadFile(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", core.Storage("workspace_read_file", err)
	}
	return string(data), nil
}

// ListDirectory returns entry names under a directory relative to Root.
func (w *Workspace) ListDirectory(path string) ([]string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, core.Storage("workspace_list_directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Apply writes every change atomically (temp file + rename), creating
// parent directories as needed. It stops at the first failure; changes
// already applied are not rolled back — atomicity is per-file, not
// whole-batch, since a workspace is not a transactional store.
func (w *Workspace) Apply(changes []Change) error {
	for _, c := range changes {
		if err := w.applyOne(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) applyOne(c Change) error {
	resolved, err := w.resolve(c.Path)
	if err != nil {
		return err
	}

	content := c.NewText
	if c.OldText != "" {
		existing, err := os.ReadFile(resolved)
		if err != nil {
			return core.Storage("workspace_apply", err)
		}
		current := string(existing)
		if strings.Count(current, c.OldText) != 1 {
			return core.Validationf("workspace_apply", "old_text must appear exactly once in %s", c.Path)
		}
		content = strings.Replace(current, c.OldText, c.NewText, 1)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return core.Storage("workspace_apply", err)
	}
	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return core.Storage("workspace_apply", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		_ = os.Remove(tmp)
		return core.Storage("workspace_apply", err)
	}
	return nil
}
