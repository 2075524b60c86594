// Package plugin locates plugin source trees and their release history on
// the local filesystem.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagehand/model"
)

// DefaultManifestFile is the manifest name looked up inside a plugin tree.
const DefaultManifestFile = "plugin.yaml"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects plugin ids that could escape the directories they are
// joined onto.
func ValidateID(pluginID string) error {
	if !idPattern.MatchString(pluginID) || pluginID == "." || pluginID == ".." {
		return model.NewBadRequestError(fmt.Sprintf("invalid plugin id %q", pluginID))
	}
	return nil
}

// Resolver maps a plugin id to its source directory and manifest.
type Resolver interface {
	Resolve(ctx context.Context, pluginID string) (string, error)
	ReadManifest(ctx context.Context, pluginID string) (model.Manifest, error)
}

// DirectoryResolver resolves plugins as subdirectories of Root.
type DirectoryResolver struct {
	Root         string
	ManifestFile string
}

// NewDirectoryResolver creates a resolver rooted at root.
func NewDirectoryResolver(root, manifestFile string) *DirectoryResolver {
	if manifestFile == "" {
		manifestFile = DefaultManifestFile
	}
	return &DirectoryResolver{Root: root, ManifestFile: manifestFile}
}

// Resolve returns the absolute source directory of pluginID. It returns a
// NOT_FOUND error when the directory does not exist.
func (r *DirectoryResolver) Resolve(_ context.Context, pluginID string) (string, error) {
	if err := ValidateID(pluginID); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(filepath.Join(r.Root, pluginID))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", model.NewNotFoundError(fmt.Sprintf("plugin %q not found", pluginID))
	}
	if err != nil {
		return "", fmt.Errorf("stat plugin %q: %w", pluginID, err)
	}
	if !info.IsDir() {
		return "", model.NewNotFoundError(fmt.Sprintf("plugin %q is not a directory", pluginID))
	}
	return dir, nil
}

// ReadManifest parses the plugin's manifest file.
func (r *DirectoryResolver) ReadManifest(ctx context.Context, pluginID string) (model.Manifest, error) {
	dir, err := r.Resolve(ctx, pluginID)
	if err != nil {
		return model.Manifest{}, err
	}
	return ReadManifestFile(filepath.Join(dir, r.ManifestFile))
}

// ReadManifestFile parses a manifest at path.
func ReadManifestFile(path string) (model.Manifest, error) {
	var m model.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
