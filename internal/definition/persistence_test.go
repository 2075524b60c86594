package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/stagehand/model"
)

func TestFileStore_missingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none.yaml"))
	defs, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("Load() = %v, want empty", defs)
	}
}

func TestFileStore_saveSortsAndLoads(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "workflows.yaml"))
	in := []model.WorkflowConfig{
		{ID: "zeta", Steps: []model.StepKind{model.StepDeploy}, TimeoutMinutes: 1},
		{ID: "alpha", Steps: []model.StepKind{model.StepSecurityScan}, TimeoutMinutes: 2},
	}
	if err := s.Save(context.Background(), in); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	out, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "alpha" || out[1].ID != "zeta" {
		t.Fatalf("Load() = %v, want alpha then zeta", out)
	}
	if out[0].Steps[0] != model.StepSecurityScan {
		t.Errorf("Steps[0] = %v, want security_scan", out[0].Steps[0])
	}
}

func TestFileStore_parseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(path, []byte("workflows:\n  - steps: [teleport]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("Load should reject unknown step names")
	}
}

func TestWatcher_reloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	store := NewFileStore(path)
	r := NewRegistry(WithPersistence(store))

	w, err := NewWatcher(r, path, nil)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Written behind the registry's back, as an operator editing the file.
	err = store.Save(context.Background(), []model.WorkflowConfig{
		{ID: "hotfix", Steps: []model.StepKind{model.StepDeploy}, TimeoutMinutes: 1},
	})
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := r.Get("hotfix"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("registry did not pick up the edited file")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}
