package pakt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ExtractOption configures ExtractAll.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	overwrite bool
	workers   int
	perm      fs.FileMode
	progress  ProgressFunc
}

// ExtractWithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(c *extractConfig) {
		c.overwrite = overwrite
	}
}

// ExtractWithWorkers sets the number of members extracted concurrently.
// Values < 0 force serial extraction. Zero uses GOMAXPROCS.
// Sources without positional reads are always extracted serially.
func ExtractWithWorkers(n int) ExtractOption {
	return func(c *extractConfig) {
		c.workers = n
	}
}

// ExtractWithFileMode sets the permission bits of created files (default 0o644).
func ExtractWithFileMode(perm fs.FileMode) ExtractOption {
	return func(c *extractConfig) {
		c.perm = perm.Perm()
	}
}

// ExtractWithProgress sets a callback that receives an event per extracted member.
// The callback may be called from multiple goroutines.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(c *extractConfig) {
		c.progress = fn
	}
}

// ExtractStats contains statistics about an ExtractAll run.
type ExtractStats struct {
	// Extracted is the number of members written to disk.
	Extracted int

	// Skipped is the number of members skipped because the file existed.
	Skipped int

	// TotalBytes is the sum of sizes of all extracted members.
	TotalBytes uint64
}

// ExtractAll writes every member to destDir, using the member name as a
// relative path.
//
// All names are checked before anything is written: a name that is not a
// local path (absolute, empty, or escaping with "..") fails with
// ErrUnsafeName. Files are created through an os.Root, so symlinks inside
// destDir cannot redirect writes outside it. Parent directories named by
// slash-separated member names are created as needed.
//
// When the source implements io.ReaderAt, members are extracted concurrently
// with positional reads; otherwise they are extracted one at a time through
// the shared cursor. A failed member's partial file is removed.
func (d *Decoder) ExtractAll(ctx context.Context, destDir string, opts ...ExtractOption) (ExtractStats, error) {
	cfg := extractConfig{perm: 0o644}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, e := range d.entries {
		if !filepath.IsLocal(filepath.FromSlash(e.Name)) {
			return ExtractStats{}, &fs.PathError{Op: "extract", Path: e.Name, Err: ErrUnsafeName}
		}
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return ExtractStats{}, fmt.Errorf("create destination directory: %w", err)
	}
	root, err := os.OpenRoot(destDir)
	if err != nil {
		return ExtractStats{}, err
	}
	defer root.Close()

	workers := cfg.workerCount(len(d.entries))
	if d.ra == nil {
		workers = 1
	}
	d.log().Info("extracting archive", "dest", destDir, "members", len(d.entries), "workers", workers)

	var (
		mu    sync.Mutex
		stats ExtractStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, e := range d.entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			written, err := d.extractTo(root, e, &cfg)
			if err != nil {
				return &fs.PathError{Op: "extract", Path: e.Name, Err: err}
			}

			mu.Lock()
			if written {
				stats.Extracted++
				stats.TotalBytes += uint64(e.Size)
			} else {
				stats.Skipped++
			}
			event := ProgressEvent{
				Stage:        StageExtracting,
				Name:         e.Name,
				BytesDone:    stats.TotalBytes,
				MembersDone:  stats.Extracted + stats.Skipped,
				MembersTotal: len(d.entries),
			}
			mu.Unlock()

			if written {
				d.log().Debug("member extracted", "name", e.Name, "size", e.Size)
			} else {
				d.log().Debug("member skipped", "name", e.Name)
			}
			if cfg.progress != nil {
				cfg.progress(event)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// extractTo writes e below root. It reports false when the file already
// exists and overwriting is disabled.
func (d *Decoder) extractTo(root *os.Root, e Entry, cfg *extractConfig) (bool, error) {
	name := filepath.FromSlash(e.Name)
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o750); err != nil {
			return false, err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !cfg.overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := root.OpenFile(name, flags, cfg.perm)
	if err != nil {
		if !cfg.overwrite && errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}

	if d.ra != nil {
		_, err = d.sectionCopy(e, f)
	} else {
		_, err = d.seekCopy(e, f)
	}
	closeErr := f.Close()
	if err != nil {
		root.Remove(name) //nolint:errcheck // best-effort cleanup of a partial file
		return false, err
	}
	return true, closeErr
}

// workerCount resolves the configured worker count for n members.
func (c *extractConfig) workerCount(n int) int {
	switch {
	case c.workers < 0:
		return 1
	case c.workers > 0:
		return min(c.workers, max(n, 1))
	default:
		return min(runtime.GOMAXPROCS(0), max(n, 1))
	}
}
