// Package artifact populates the directory holding the supervised binary,
// its shared libraries and configuration.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

var ErrSourceMissing = errors.New("artifact source directory missing")

const lockRetryDelay = 50 * time.Millisecond

// Preparer copies the files of Source into Dir.
type Preparer struct {
	Source string
	Dir    string
}

func New(source, dir string) Preparer {
	return Preparer{Source: source, Dir: dir}
}

// Exists reports whether Dir is already present on disk.
func (p Preparer) Exists() bool {
	info, err := os.Stat(p.Dir)
	return err == nil && info.IsDir()
}

// Prepare copies every regular file of Source into Dir. Shared libraries
// (*.so) are installed read-only, everything else is made executable.
// A single file failing to copy is logged and skipped. An flock on
// "<Dir>.lock" serializes concurrent preparations of the same Dir.
func (p Preparer) Prepare(ctx context.Context) error {
	entries, err := os.ReadDir(p.Source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, p.Source)
		}
		return fmt.Errorf("listing artifacts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Dir), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", p.Dir, err)
	}
	lock := flock.New(p.Dir + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("locking %s: lock not acquired", lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.WarnContext(ctx, "releasing artifact lock failed", "path", lock.Path(), "error", err)
		}
	}()

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", p.Dir, err)
	}

	var copied int
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		slog.DebugContext(ctx, "found artifact", "name", name)
		mode := os.FileMode(0o755)
		if isSharedLibrary(name) {
			mode = 0o644
		}
		err := copyFile(filepath.Join(p.Source, name), filepath.Join(p.Dir, name), mode)
		if err != nil {
			slog.ErrorContext(ctx, "copying artifact failed", "name", name, "error", err)
			continue
		}
		copied++
	}
	slog.InfoContext(ctx, "artifacts prepared", "dir", p.Dir, "files", copied)
	return nil
}

func isSharedLibrary(name string) bool {
	return strings.HasSuffix(name, ".so") || strings.Contains(name, ".so.")
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile mode is subject to umask and ignored for existing files
	return os.Chmod(dst, mode)
}
