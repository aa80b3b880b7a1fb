package pakt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pakt/internal/layout"
	"github.com/meigma/pakt/internal/testutil"
)

func extractArchive() []testutil.Member {
	return []testutil.Member{
		{Name: "top.txt", Content: []byte("top")},
		{Name: "dir/inner.txt", Content: []byte("inner")},
		{Name: "dir/deeper/leaf.bin", Content: []byte{1, 2, 3, 4}},
		{Name: "empty", Content: nil},
	}
}

func assertExtracted(t *testing.T, dir string, members []testutil.Member) {
	t.Helper()
	for _, m := range members {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(m.Name)))
		require.NoError(t, err, m.Name)
		assert.Equal(t, len(m.Content), len(got), m.Name)
		if len(m.Content) > 0 {
			assert.Equal(t, m.Content, got, m.Name)
		}
	}
}

func TestExtractAll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		open func([]byte) (*Decoder, error)
		opts []ExtractOption
	}{
		{
			name: "parallel",
			open: func(b []byte) (*Decoder, error) { return Open(bytes.NewReader(b)) },
			opts: []ExtractOption{ExtractWithWorkers(4)},
		},
		{
			name: "serial workers",
			open: func(b []byte) (*Decoder, error) { return Open(bytes.NewReader(b)) },
			opts: []ExtractOption{ExtractWithWorkers(-1)},
		},
		{
			name: "seek only source",
			open: func(b []byte) (*Decoder, error) { return Open(&testutil.SeekOnly{R: bytes.NewReader(b)}) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			members := extractArchive()
			d, err := tt.open(testutil.BuildArchive(t, members...))
			require.NoError(t, err)

			dest := t.TempDir()
			stats, err := d.ExtractAll(context.Background(), dest, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, len(members), stats.Extracted)
			assert.Zero(t, stats.Skipped)
			assert.Equal(t, uint64(12), stats.TotalBytes)
			assertExtracted(t, dest, members)
		})
	}
}

func TestExtractAll_SkipExisting(t *testing.T) {
	t.Parallel()

	d := openBytes(t, testutil.BuildArchive(t,
		testutil.Member{Name: "keep.txt", Content: []byte("from archive")},
		testutil.Member{Name: "new.txt", Content: []byte("created")},
	))

	dest := t.TempDir()
	keep := filepath.Join(dest, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("local"), 0o644))

	stats, err := d.ExtractAll(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Extracted)
	assert.Equal(t, 1, stats.Skipped)

	got, err := os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))

	stats, err = d.ExtractAll(context.Background(), dest, ExtractWithOverwrite(true))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Extracted)
	got, err = os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "from archive", string(got))
}

func TestExtractAll_UnsafeNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"../escape.txt", "/etc/passwd", "a/../../b", ".."} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := openBytes(t, testutil.BuildArchive(t,
				testutil.Member{Name: "fine.txt", Content: []byte("ok")},
				testutil.Member{Name: name, Content: []byte("bad")},
			))

			dest := t.TempDir()
			_, err := d.ExtractAll(context.Background(), dest)
			require.ErrorIs(t, err, ErrUnsafeName)

			entries, err := os.ReadDir(dest)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing is written when any name is unsafe")
		})
	}
}

func TestExtractAll_TruncatedMemberRemoved(t *testing.T) {
	t.Parallel()

	data := testutil.BuildArchive(t,
		testutil.Member{Name: "whole.txt", Content: []byte("whole")},
		testutil.Member{Name: "partial.txt", Content: []byte("0123456789")},
	)
	d := openBytes(t, data[:len(data)-3])

	dest := t.TempDir()
	_, err := d.ExtractAll(context.Background(), dest, ExtractWithWorkers(-1))
	require.ErrorIs(t, err, ErrUnexpectedEnd)

	_, err = os.Stat(filepath.Join(dest, "partial.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExtractAll_FileMode(t *testing.T) {
	t.Parallel()

	d := openBytes(t, testutil.BuildArchive(t, testutil.Member{Name: "script.sh", Content: []byte("#!/bin/sh\n")}))
	dest := t.TempDir()
	_, err := d.ExtractAll(context.Background(), dest, ExtractWithFileMode(0o600))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExtractAll_Progress(t *testing.T) {
	t.Parallel()

	members := extractArchive()
	d := openBytes(t, testutil.BuildArchive(t, members...))

	var (
		mu    sync.Mutex
		names []string
	)
	_, err := d.ExtractAll(context.Background(), t.TempDir(), ExtractWithProgress(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, StageExtracting, ev.Stage)
		assert.Equal(t, len(members), ev.MembersTotal)
		names = append(names, ev.Name)
	}))
	require.NoError(t, err)
	assert.Len(t, names, len(members))
}

func TestExtractAll_Canceled(t *testing.T) {
	t.Parallel()

	d := openBytes(t, testutil.BuildArchive(t, extractArchive()...))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.ExtractAll(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtractAll_Empty(t *testing.T) {
	t.Parallel()

	d := openBytes(t, layout.AppendHeader(nil, 0))
	stats, err := d.ExtractAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ExtractStats{}, stats)
}
