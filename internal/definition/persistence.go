package definition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagehand/model"
)

// Persistence loads and saves user-defined workflows.
type Persistence interface {
	Load(ctx context.Context) ([]model.WorkflowConfig, error)
	Save(ctx context.Context, workflows []model.WorkflowConfig) error
}

type workflowFile struct {
	Workflows []model.WorkflowConfig `yaml:"workflows"`
}

// FileStore persists workflows to a single YAML file.
type FileStore struct {
	Path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the file. A missing file yields no workflows.
func (s *FileStore) Load(_ context.Context) ([]model.WorkflowConfig, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	var f workflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return f.Workflows, nil
}

// Save writes workflows sorted by id, replacing the file atomically.
func (s *FileStore) Save(_ context.Context, workflows []model.WorkflowConfig) error {
	sorted := append([]model.WorkflowConfig(nil), workflows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := yaml.Marshal(workflowFile{Workflows: sorted})
	if err != nil {
		return fmt.Errorf("encoding workflows: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}
