// Package testutil holds fixture helpers shared by package and integration
// tests.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// WriteTree creates every file in files (slash-separated path to content)
// below the root of fs, creating parent directories as needed. Paths ending
// in "/" create an empty directory.
func WriteTree(t testing.TB, fs billy.Filesystem, files map[string]string) {
	t.Helper()

	for p, content := range files {
		name := filepath.FromSlash(p)
		if p[len(p)-1] == '/' {
			if err := fs.MkdirAll(name, 0755); err != nil {
				t.Fatalf("failed to create %s: %v", p, err)
			}
			continue
		}
		if err := util.WriteFile(fs, name, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", p, err)
		}
	}
}

// ReadTree returns every regular file below dir keyed by its slash-separated
// path relative to dir. A missing dir yields an empty map.
func ReadTree(t testing.TB, fs billy.Filesystem, dir string) map[string]string {
	t.Helper()

	out := make(map[string]string)
	if _, err := fs.Stat(dir); os.IsNotExist(err) {
		return out
	}

	err := util.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := util.ReadFile(fs, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", dir, err)
	}
	return out
}

// Paths returns the sorted keys of a tree
func Paths(tree map[string]string) []string {
	out := make([]string, 0, len(tree))
	for p := range tree {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
