package steps

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/model"
)

// Rollbacker undoes a deployment, restoring the last good release when a
// history is available.
type Rollbacker struct {
	Root    string
	History plugin.ReleaseHistory
}

// NewRollbacker creates a Rollbacker. history may be nil.
func NewRollbacker(root string, history plugin.ReleaseHistory) *Rollbacker {
	return &Rollbacker{Root: root, History: history}
}

// NothingDeployed is the rollback note recorded when the execution never
// installed anything, in which case the live deployment is left alone.
const NothingDeployed = "nothing deployed by this execution"

// Execute removes <Root>/<plugin> and restores the last good snapshot. It
// only touches the target when an earlier step of the same execution
// deployed it.
func (r *Rollbacker) Execute(ctx context.Context, req Request) (Artifacts, error) {
	if err := plugin.ValidateID(req.PluginID); err != nil {
		return nil, wrapStepError(model.StepRollback, err, "rollback")
	}
	target := filepath.Join(r.Root, req.PluginID)

	if deployed, _ := req.Artifacts["deployed_path"].(string); deployed == "" {
		return Artifacts{"rolled_back": false, "rollback_note": NothingDeployed}, nil
	}

	arts := Artifacts{"rolled_back": true}
	if r.History != nil {
		loc, ok, err := r.History.GetLastGood(ctx, req.PluginID)
		if err != nil {
			if rerr := os.RemoveAll(target); rerr != nil {
				return nil, wrapStepError(model.StepRollback, rerr, "remove %s", target)
			}
			return arts, wrapStepError(model.StepRollback, err, "look up last good release")
		}
		if ok {
			staged, _, err := fsutil.StageTree(ctx, loc, target)
			if err != nil {
				return nil, wrapStepError(model.StepRollback, err, "stage %s", loc)
			}
			if err := fsutil.SwapInto(staged, target); err != nil {
				os.RemoveAll(staged)
				return nil, wrapStepError(model.StepRollback, err, "restore %s", loc)
			}
			arts["restored_from"] = loc
			return arts, nil
		}
	}

	if err := os.RemoveAll(target); err != nil {
		return nil, wrapStepError(model.StepRollback, err, "remove %s", target)
	}
	return arts, nil
}
