package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// FileSink writes each snapshot to its descriptor's output path.
// Relative paths are resolved against BaseDir.
type FileSink struct {
	fs      afero.Fs
	baseDir string
}

// NewFileSink returns a FileSink on fs; a nil fs means the OS filesystem.
func NewFileSink(fs afero.Fs, baseDir string) *FileSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if baseDir == "" {
		baseDir = "."
	}
	return &FileSink{fs: fs, baseDir: baseDir}
}

func (f *FileSink) Name() string { return "file" }

// Path returns where the snapshot of the given output path lands.
func (f *FileSink) Path(outputPath string) string {
	if filepath.IsAbs(outputPath) {
		return filepath.Clean(outputPath)
	}
	return filepath.Join(f.baseDir, outputPath)
}

// Write replaces the target file atomically: the payload goes to a temp file
// in the same directory which is then renamed over the target.
func (f *FileSink) Write(ctx context.Context, s Snapshot) error {
	target := f.Path(s.Query.OutputPath)
	_, span := tracer.Start(ctx, "FileSink.Write", trace.WithAttributes(attribute.String("path", target)))
	defer span.End()

	if err := f.write(target, s.Payload); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (f *FileSink) write(target string, payload []byte) error {
	dir := filepath.Dir(target)
	if err := f.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = f.fs.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %q: %w", tmpName, err)
	}
	if err := f.fs.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %q: %w", tmpName, err)
	}
	if err := f.fs.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("rename to %q: %w", target, err)
	}
	return nil
}
