package steps

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/model"
)

// DefaultMonitorFreshness is how recent a deployment must be to pass.
const DefaultMonitorFreshness = 10 * time.Minute

// Monitor performs a post-deploy health snapshot of the installed plugin.
type Monitor struct {
	Root      string
	Freshness time.Duration

	now func() time.Time
}

// NewMonitor creates a Monitor. A zero freshness selects the default.
func NewMonitor(root string, freshness time.Duration) *Monitor {
	if freshness <= 0 {
		freshness = DefaultMonitorFreshness
	}
	return &Monitor{Root: root, Freshness: freshness, now: time.Now}
}

// Execute checks the deployment exists, is a non-empty directory and was
// installed within the freshness window.
func (m *Monitor) Execute(ctx context.Context, req Request) (Artifacts, error) {
	target := filepath.Join(m.Root, req.PluginID)
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, stepErrorf(model.StepMonitor, "deployment missing at %s", target)
	}
	if err != nil {
		return nil, wrapStepError(model.StepMonitor, err, "stat %s", target)
	}
	if !info.IsDir() {
		return nil, stepErrorf(model.StepMonitor, "deployment at %s is not a directory", target)
	}

	files, err := fsutil.CountFiles(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapStepError(model.StepMonitor, err, "inspect %s", target)
	}

	now := m.now()
	age := now.Sub(info.ModTime())
	snapshot := map[string]any{
		"path":        target,
		"files":       files,
		"age_seconds": age.Seconds(),
		"checked_at":  now.UTC().Format(time.RFC3339),
		"healthy":     true,
	}
	switch {
	case files == 0:
		snapshot["healthy"] = false
		return Artifacts{"monitor_snapshot": snapshot}, stepErrorf(model.StepMonitor, "deployment at %s is empty", target)
	case age > m.Freshness:
		snapshot["healthy"] = false
		return Artifacts{"monitor_snapshot": snapshot}, stepErrorf(model.StepMonitor, "deployment at %s is stale (age %s)", target, age.Round(time.Second))
	}
	return Artifacts{"monitor_snapshot": snapshot}, nil
}
