package steps

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/model"
)

// Builder packages a plugin tree into a reproducible tar.gz archive.
type Builder struct {
	OutputDir string
}

// NewBuilder creates a Builder writing under outputDir.
func NewBuilder(outputDir string) *Builder {
	return &Builder{OutputDir: outputDir}
}

// Execute writes <OutputDir>/<execution>/<plugin>[-<version>].tar.gz.
func (b *Builder) Execute(ctx context.Context, req Request) (Artifacts, error) {
	dir := filepath.Join(b.OutputDir, req.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapStepError(model.StepBuild, err, "create output directory")
	}

	name := req.PluginID
	if m, ok := req.Artifacts["manifest"].(map[string]any); ok {
		if v, ok := m["version"].(string); ok && v != "" {
			name += "-" + v
		}
	}
	dest := filepath.Join(dir, name+".tar.gz")

	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return nil, wrapStepError(model.StepBuild, err, "create archive")
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	files, err := writeArchive(ctx, req.SourceDir, io.MultiWriter(tmp, hash))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapStepError(model.StepBuild, err, "package %s", req.PluginID)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, wrapStepError(model.StepBuild, err, "finalize archive")
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, wrapStepError(model.StepBuild, err, "stat archive")
	}
	return Artifacts{
		"package_path":   dest,
		"package_size":   info.Size(),
		"package_sha256": hex.EncodeToString(hash.Sum(nil)),
		"package_files":  files,
	}, nil
}

// writeArchive streams a tar.gz of root to w. Entries are in lexical order
// with zeroed times and ownership so equal trees produce equal bytes.
func writeArchive(ctx context.Context, root string, w io.Writer) (int, error) {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(gz)
	epoch := time.Unix(0, 0).UTC()

	files := 0
	err = fsutil.Walk(ctx, root, func(rel, path string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr := &tar.Header{
			Name:    rel,
			Mode:    int64(info.Mode().Perm()),
			ModTime: epoch,
		}
		if d.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	return files, gz.Close()
}
