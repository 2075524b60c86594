package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pitabwire/stagehand/internal/fsutil"
)

// ReleaseHistory answers which deployed snapshot of a plugin last worked.
type ReleaseHistory interface {
	GetLastGood(ctx context.Context, pluginID string) (string, bool, error)
}

// snapshotLayout sorts lexically in time order.
const snapshotLayout = "20060102T150405.000000000Z"

// DirectoryHistory keeps known-good snapshots under Root/<plugin>/<stamp>.
type DirectoryHistory struct {
	Root string

	now func() time.Time
}

// NewDirectoryHistory creates a history rooted at root.
func NewDirectoryHistory(root string) *DirectoryHistory {
	return &DirectoryHistory{Root: root, now: time.Now}
}

// Record copies src into a new snapshot for pluginID and returns its path.
func (h *DirectoryHistory) Record(ctx context.Context, pluginID, src string) (string, error) {
	if err := ValidateID(pluginID); err != nil {
		return "", err
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	target := filepath.Join(h.Root, pluginID, now().UTC().Format(snapshotLayout))
	staged, _, err := fsutil.StageTree(ctx, src, target)
	if err != nil {
		return "", fmt.Errorf("stage snapshot: %w", err)
	}
	if err := fsutil.SwapInto(staged, target); err != nil {
		os.RemoveAll(staged)
		return "", err
	}
	return target, nil
}

// GetLastGood returns the newest snapshot for pluginID. The bool is false
// when no snapshot has been recorded.
func (h *DirectoryHistory) GetLastGood(_ context.Context, pluginID string) (string, bool, error) {
	if err := ValidateID(pluginID); err != nil {
		return "", false, err
	}
	dir := filepath.Join(h.Root, pluginID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var stamps []string
	for _, e := range entries {
		if e.IsDir() && !fsutil.IsHidden(e.Name()) {
			stamps = append(stamps, e.Name())
		}
	}
	if len(stamps) == 0 {
		return "", false, nil
	}
	sort.Strings(stamps)
	return filepath.Join(dir, stamps[len(stamps)-1]), true, nil
}
