// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func relPaths(t *testing.T, root string, paths []string) []string {
	t.Helper()
	rels := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			t.Fatalf("rel: %v", err)
		}
		rels[i] = rel
	}
	sort.Strings(rels)
	return rels
}

func TestCollectSingleFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.bin": "x"})

	files, err := Collect(filepath.Join(root, "a.bin"), false, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 1 || files[0] != filepath.Join(root, "a.bin") {
		t.Errorf("files = %v", files)
	}
}

func TestCollectDirectoryNonRecursive(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.bin":        "x",
		"b.bin":        "y",
		"sub/deep.bin": "z",
	})

	files, err := Collect(root, false, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := relPaths(t, root, files)
	want := []string{"a.bin", "b.bin"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestCollectDirectoryRecursive(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.bin":        "x",
		"sub/deep.bin": "z",
	})

	files, err := Collect(root, true, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := relPaths(t, root, files)
	if len(got) != 2 || got[1] != filepath.Join("sub", "deep.bin") {
		t.Errorf("files = %v", got)
	}
}

func TestCollectExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"keep.bin":       "x",
		"skip.tmp":       "y",
		"node_modules/a": "z",
		"sub/also.tmp":   "w",
		"sub/keep2.bin":  "v",
	})

	files, err := Collect(root, true, []string{"*.tmp", "node_modules"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := relPaths(t, root, files)
	want := []string{"keep.bin", filepath.Join("sub", "keep2.bin")}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestCollectMissingPath(t *testing.T) {
	if _, err := Collect(filepath.Join(t.TempDir(), "nope"), false, nil); err == nil {
		t.Error("missing path must error")
	}
}
