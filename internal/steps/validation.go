package steps

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/model"
)

// DefaultEntrypoint is used when the manifest names none.
const DefaultEntrypoint = "main.go"

// Validator checks a plugin tree's manifest, entrypoint and Go syntax.
type Validator struct {
	ManifestFile      string
	DefaultEntrypoint string
}

// NewValidator creates a Validator with defaults filled in.
func NewValidator(manifestFile, defaultEntrypoint string) *Validator {
	if manifestFile == "" {
		manifestFile = plugin.DefaultManifestFile
	}
	if defaultEntrypoint == "" {
		defaultEntrypoint = DefaultEntrypoint
	}
	return &Validator{ManifestFile: manifestFile, DefaultEntrypoint: defaultEntrypoint}
}

// Execute validates req.SourceDir.
func (v *Validator) Execute(ctx context.Context, req Request) (Artifacts, error) {
	manifestPath := filepath.Join(req.SourceDir, v.ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, stepErrorf(model.StepValidation, "missing file: %s", v.ManifestFile)
	}
	if err != nil {
		return nil, wrapStepError(model.StepValidation, err, "read %s", v.ManifestFile)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, wrapStepError(model.StepValidation, err, "invalid manifest %s", v.ManifestFile)
	}
	for _, field := range model.RequiredManifestFields {
		if isBlank(raw[field]) {
			return nil, stepErrorf(model.StepValidation, "missing field: %s", field)
		}
	}

	entrypoint := v.DefaultEntrypoint
	if ep, ok := raw["entrypoint"].(string); ok && strings.TrimSpace(ep) != "" {
		entrypoint = ep
	}
	if _, err := os.Stat(filepath.Join(req.SourceDir, filepath.FromSlash(entrypoint))); err != nil {
		return nil, stepErrorf(model.StepValidation, "missing file: %s", entrypoint)
	}

	sources, err := checkGoSyntax(ctx, req.SourceDir)
	if err != nil {
		return nil, err
	}

	return Artifacts{
		"manifest": map[string]any{
			"name":        fmt.Sprint(raw["name"]),
			"version":     fmt.Sprint(raw["version"]),
			"description": fmt.Sprint(raw["description"]),
			"author":      fmt.Sprint(raw["author"]),
			"entrypoint":  entrypoint,
		},
		"source_files": sources,
	}, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// checkGoSyntax parses every non-hidden .go file and returns how many there
// were. The first syntax error fails validation.
func checkGoSyntax(ctx context.Context, root string) (int, error) {
	fset := token.NewFileSet()
	count := 0
	err := fsutil.Walk(ctx, root, func(rel, path string, d fs.DirEntry) error {
		if d.IsDir() || filepath.Ext(rel) != ".go" {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := parser.ParseFile(fset, rel, src, parser.AllErrors|parser.SkipObjectResolution); err != nil {
			return stepErrorf(model.StepValidation, "syntax error in %s: %v", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		var se *StepError
		if errors.As(err, &se) {
			return 0, se
		}
		return 0, err
	}
	return count, nil
}
