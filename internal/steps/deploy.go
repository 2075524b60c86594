package steps

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/model"
)

// Deployer installs a plugin tree at <Root>/<plugin>.
type Deployer struct {
	Root string

	now func() time.Time
}

// NewDeployer creates a Deployer targeting root.
func NewDeployer(root string) *Deployer {
	return &Deployer{Root: root, now: time.Now}
}

// Execute copies the plugin tree into a staging directory and swaps it into
// place.
func (d *Deployer) Execute(ctx context.Context, req Request) (Artifacts, error) {
	if err := plugin.ValidateID(req.PluginID); err != nil {
		return nil, wrapStepError(model.StepDeploy, err, "deploy")
	}
	target := filepath.Join(d.Root, req.PluginID)

	staged, files, err := fsutil.StageTree(ctx, req.SourceDir, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapStepError(model.StepDeploy, err, "stage %s", req.PluginID)
	}
	if err := fsutil.SwapInto(staged, target); err != nil {
		os.RemoveAll(staged)
		return nil, wrapStepError(model.StepDeploy, err, "install %s", req.PluginID)
	}

	now := d.now().UTC()
	arts := Artifacts{
		"deployed_path":  target,
		"deployed_at":    now.Format(time.RFC3339),
		"deployed_files": files,
	}
	// The swap already happened, so rollback must still see deployed_path.
	if err := os.Chtimes(target, now, now); err != nil {
		return arts, wrapStepError(model.StepDeploy, err, "stamp %s", target)
	}
	return arts, nil
}
