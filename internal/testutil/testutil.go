// Package testutil provides shared helpers for pakt tests.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/meigma/pakt/internal/layout"
)

// Member is a named payload used to build test archives.
type Member struct {
	Name    string
	Content []byte
}

// BuildArchive lays out members with the codec directly, independent of the
// encoder, so decoder tests do not depend on encoder behavior.
func BuildArchive(tb testing.TB, members ...Member) []byte {
	tb.Helper()

	offset := uint64(layout.HeaderSize)
	for _, m := range members {
		offset += layout.EntrySize(len(m.Name))
	}

	//nolint:gosec // test archives are small
	buf := layout.AppendHeader(nil, uint32(len(members)))
	for _, m := range members {
		buf = layout.AppendEntry(buf, m.Name, uint32(offset), uint32(len(m.Content))) //nolint:gosec // test archives are small
		offset += uint64(len(m.Content))
	}
	for _, m := range members {
		buf = append(buf, m.Content...)
	}
	return buf
}

// BuildRawArchive writes a header announcing count entries followed by the
// given entries and trailing data, without checking consistency. It is used
// to construct malformed archives.
func BuildRawArchive(count uint32, entries []layout.Entry, data []byte) []byte {
	buf := layout.AppendHeader(nil, count)
	for _, e := range entries {
		buf = layout.AppendEntry(buf, e.Name, e.Offset, e.Size)
	}
	return append(buf, data...)
}

// MockByteSource implements a simple in-memory byte source for tests.
// It counts ReadAt calls so tests can observe caching.
type MockByteSource struct {
	data     []byte
	sourceID string
	reads    atomic.Int64
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	sum := sha256.Sum256(data)
	return &MockByteSource{
		data:     data,
		sourceID: "mock:" + hex.EncodeToString(sum[:]),
	}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	m.reads.Add(1)
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns a stable identifier for the source data.
func (m *MockByteSource) SourceID() string {
	return m.sourceID
}

// Reads returns the number of ReadAt calls served so far.
func (m *MockByteSource) Reads() int64 {
	return m.reads.Load()
}

// SeekOnly hides every method of a reader except Read and Seek, forcing
// code paths that cannot use positional reads.
type SeekOnly struct {
	R io.ReadSeeker
}

// Read implements io.Reader.
func (s *SeekOnly) Read(p []byte) (int, error) { return s.R.Read(p) }

// Seek implements io.Seeker.
func (s *SeekOnly) Seek(offset int64, whence int) (int64, error) { return s.R.Seek(offset, whence) }

// OneByteReadSeeker returns at most one byte per Read call, exercising
// callers that must loop until a field is complete.
type OneByteReadSeeker struct {
	R io.ReadSeeker
}

// Read implements io.Reader.
func (s *OneByteReadSeeker) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.R.Read(p[:1])
}

// Seek implements io.Seeker.
func (s *OneByteReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return s.R.Seek(offset, whence)
}

// FailingSeeker fails every Seek with Err. Reads come from R.
type FailingSeeker struct {
	R   io.Reader
	Err error
}

// Read implements io.Reader.
func (s *FailingSeeker) Read(p []byte) (int, error) { return s.R.Read(p) }

// Seek implements io.Seeker.
func (s *FailingSeeker) Seek(int64, int) (int64, error) { return 0, s.Err }

// SizedSource reports an arbitrary size from Seek(0, io.SeekEnd) while
// holding no data, for exercising size limits without allocating them.
type SizedSource struct {
	N   int64
	pos int64
}

// Read reports EOF; SizedSource holds no content.
func (s *SizedSource) Read([]byte) (int, error) { return 0, io.EOF }

// Seek implements io.Seeker over the declared size.
func (s *SizedSource) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = s.N + offset
	}
	return s.pos, nil
}

// FailingWriter accepts Limit bytes and then fails with Err.
type FailingWriter struct {
	Limit int
	Err   error
	buf   bytes.Buffer
}

// Write implements io.Writer.
func (w *FailingWriter) Write(p []byte) (int, error) {
	room := w.Limit - w.buf.Len()
	if room >= len(p) {
		return w.buf.Write(p)
	}
	if room > 0 {
		w.buf.Write(p[:room])
	}
	return max(room, 0), w.Err
}

// Bytes returns the bytes accepted before the failure.
func (w *FailingWriter) Bytes() []byte {
	return w.buf.Bytes()
}
