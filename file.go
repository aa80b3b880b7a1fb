package pakt

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File wraps a Decoder with its underlying file handle.
// Close must be called to release file resources.
type File struct {
	*Decoder
	file *os.File
}

// OpenFile opens the archive at path for random access.
//
// Only the header and table are read. The returned File must be closed to
// release the file handle.
func OpenFile(path string, opts ...Option) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	d, err := Open(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &File{Decoder: d, file: f}, nil
}

// Close closes the underlying archive file.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Size returns the archive file size in bytes.
func (f *File) Size() (int64, error) {
	if f.file == nil {
		return 0, os.ErrClosed
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CreateFile writes the archive built by enc to path.
//
// The archive is written to a temp file in the destination directory and
// renamed over path only after every member has been copied, so a failed
// write never leaves a partial archive at path. Parent directories are
// created as needed.
func CreateFile(ctx context.Context, path string, enc *Encoder) (WriteStats, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return WriteStats{}, fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pakt-*")
	if err != nil {
		return WriteStats{}, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()

	stats, err := enc.Write(ctx, tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return WriteStats{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return WriteStats{}, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return WriteStats{}, fmt.Errorf("rename archive: %w", err)
	}
	return stats, nil
}

// Interface compliance.
var _ io.Closer = (*File)(nil)
