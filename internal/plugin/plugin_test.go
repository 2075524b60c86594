package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/stagehand/model"
)

func writePluginFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// --- ValidateID ---

func TestValidateID(t *testing.T) {
	tests := map[string]bool{
		"hello-plugin": true,
		"v1.2_beta":    true,
		"":             false,
		"..":           false,
		"../etc":       false,
		"a/b":          false,
		".hidden":      false,
	}
	for id, ok := range tests {
		err := ValidateID(id)
		if (err == nil) != ok {
			t.Errorf("ValidateID(%q) error = %v, want ok=%v", id, err, ok)
		}
	}
}

// --- DirectoryResolver ---

func TestDirectoryResolver_Resolve(t *testing.T) {
	root := t.TempDir()
	writePluginFile(t, filepath.Join(root, "hello", "plugin.yaml"), "name: hello\n")

	r := NewDirectoryResolver(root, "")
	dir, err := r.Resolve(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if filepath.Base(dir) != "hello" {
		t.Errorf("dir = %q, want .../hello", dir)
	}

	_, err = r.Resolve(context.Background(), "missing")
	if !model.IsNotFound(err) {
		t.Errorf("Resolve(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestDirectoryResolver_ReadManifest(t *testing.T) {
	root := t.TempDir()
	writePluginFile(t, filepath.Join(root, "hello", "plugin.yaml"), `
name: hello
version: 1.0.0
description: says hello
author: ops
entrypoint: cmd/main.go
license: MIT
`)
	r := NewDirectoryResolver(root, "plugin.yaml")
	m, err := r.ReadManifest(context.Background(), "hello")
	if err != nil {
		t.Fatalf("ReadManifest error: %v", err)
	}
	if m.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", m.Version)
	}
	if m.Entrypoint != "cmd/main.go" {
		t.Errorf("Entrypoint = %q, want cmd/main.go", m.Entrypoint)
	}
	if m.Extra["license"] != "MIT" {
		t.Errorf("Extra[license] = %v, want MIT", m.Extra["license"])
	}
}

// --- DirectoryHistory ---

func TestDirectoryHistory_recordAndGetLastGood(t *testing.T) {
	h := NewDirectoryHistory(t.TempDir())
	ctx := context.Background()

	if _, ok, err := h.GetLastGood(ctx, "hello"); err != nil || ok {
		t.Fatalf("GetLastGood on empty history = ok %v err %v, want false nil", ok, err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"v1", "v2"} {
		src := t.TempDir()
		writePluginFile(t, filepath.Join(src, "VERSION"), content)
		stamp := base.Add(time.Duration(i) * time.Minute)
		h.now = func() time.Time { return stamp }
		if _, err := h.Record(ctx, "hello", src); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	loc, ok, err := h.GetLastGood(ctx, "hello")
	if err != nil || !ok {
		t.Fatalf("GetLastGood = ok %v err %v", ok, err)
	}
	data, err := os.ReadFile(filepath.Join(loc, "VERSION"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("last good VERSION = %q, want v2", data)
	}
}
