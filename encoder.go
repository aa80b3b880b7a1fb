package pakt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/pakt/internal/layout"
	"github.com/meigma/pakt/internal/sizing"
)

// writeBufferSize is the buffer used between member sources and the sink.
const writeBufferSize = 32 << 10

// member is a pending archive member.
type member struct {
	name string
	src  io.ReadSeeker
	size uint32
}

// WriteStats describes a written archive.
type WriteStats struct {
	// Members is the number of members written.
	Members int

	// Size is the total archive size in bytes.
	Size int64

	// Digest is the sha256 digest of the archive bytes.
	Digest digest.Digest
}

// Encoder collects named sources and serializes them as one archive.
//
// Members are written in the order they were added. The same ordered list
// drives both the table and the data, so recorded offsets always match the
// bytes that follow. An Encoder is not safe for concurrent use.
type Encoder struct {
	members    []member
	byName     map[string]int
	replace    bool
	spent      bool
	maxMembers int
	maxNameLen int
	progress   ProgressFunc
	logger     *slog.Logger
}

// NewEncoder returns an Encoder with no members.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{byName: make(map[string]int)}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxMembers == 0 {
		e.maxMembers = DefaultMaxMembers
	}
	if e.maxNameLen == 0 {
		e.maxNameLen = DefaultMaxNameLen
	}
	return e
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Encoder) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// reportProgress sends a progress event if a callback is configured.
func (e *Encoder) reportProgress(stage ProgressStage, name string, bytesDone, bytesTotal uint64, done int) {
	if e.progress == nil {
		return
	}
	e.progress(ProgressEvent{
		Stage:        stage,
		Name:         name,
		BytesDone:    bytesDone,
		BytesTotal:   bytesTotal,
		MembersDone:  done,
		MembersTotal: len(e.members),
	})
}

// AddFile adds src under name.
//
// The size is measured by seeking src to its end and back to its start, so
// src must be positioned at its first byte when Write runs. On success the
// Encoder owns src: it is read once by Write and closed by Close if it
// implements io.Closer. On failure the caller keeps ownership.
//
// Names must be non-empty. A repeated name fails with ErrDuplicateName unless
// EncodeWithReplace is set. Sources larger than 4GB fail with ErrSizeOverflow.
// Names longer than the EncodeWithMaxNameLen limit fail with ErrNameTooLong
// and members past the EncodeWithMaxMembers limit with ErrTooManyMembers; the
// defaults match the decoder's, so a default encoder never writes an archive
// that Open rejects.
func (e *Encoder) AddFile(name string, src io.ReadSeeker) error {
	if e.spent {
		return ErrEncoderSpent
	}
	if name == "" {
		return &fs.PathError{Op: "add", Path: name, Err: ErrEmptyName}
	}
	if err := layout.CheckNameLen(len(name)); err != nil {
		return &fs.PathError{Op: "add", Path: name, Err: err}
	}
	if e.maxNameLen > 0 && len(name) > e.maxNameLen {
		err := fmt.Errorf("%w: %d bytes (limit %d)", ErrNameTooLong, len(name), e.maxNameLen)
		return &fs.PathError{Op: "add", Path: name, Err: err}
	}

	i, exists := e.byName[name]
	if exists && !e.replace {
		return &fs.PathError{Op: "add", Path: name, Err: ErrDuplicateName}
	}
	if !exists && e.maxMembers > 0 && len(e.members) >= e.maxMembers {
		err := fmt.Errorf("%w: limit %d", ErrTooManyMembers, e.maxMembers)
		return &fs.PathError{Op: "add", Path: name, Err: err}
	}

	size, err := probeSize(src)
	if err != nil {
		return &fs.PathError{Op: "add", Path: name, Err: err}
	}

	m := member{name: name, src: src, size: size}
	if exists {
		closeSource(e.members[i].src) //nolint:errcheck // replaced source is discarded
		e.members[i] = m
		e.log().Debug("member replaced", "name", name, "size", size)
		return nil
	}

	e.byName[name] = len(e.members)
	e.members = append(e.members, m)
	e.log().Debug("member added", "name", name, "size", size)
	return nil
}

// AddBytes adds an in-memory member. The slice must not be modified until
// Write returns.
func (e *Encoder) AddBytes(name string, data []byte) error {
	return e.AddFile(name, bytes.NewReader(data))
}

// AddPath opens the file at path and adds it under name.
// The file is closed by Close, or immediately if adding fails.
func (e *Encoder) AddPath(name, path string) error {
	f, err := os.Open(path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return err
	}
	if err := e.AddFile(name, f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// Len returns the number of pending members.
func (e *Encoder) Len() int {
	return len(e.members)
}

// Entries returns the table Write will produce, without writing anything.
//
// It fails with ErrSizeOverflow when a member would start past the 32-bit
// offset range or the archive would exceed 4GB.
func (e *Encoder) Entries() ([]Entry, error) {
	entries, _, err := e.plan()
	return entries, err
}

// plan computes every member's absolute offset from the table size.
// It returns the entries in output order and the total archive size.
func (e *Encoder) plan() ([]Entry, uint64, error) {
	if uint64(len(e.members)) > layout.MaxUint32 {
		return nil, 0, fmt.Errorf("%w: %d members", ErrSizeOverflow, len(e.members))
	}

	offset := uint64(layout.HeaderSize)
	for _, m := range e.members {
		offset += layout.EntrySize(len(m.name))
	}

	entries := make([]Entry, 0, len(e.members))
	for _, m := range e.members {
		if !sizing.FitsUint32(offset) {
			return nil, 0, fmt.Errorf("%w: member %q would start at offset %d", ErrSizeOverflow, m.name, offset)
		}
		entries = append(entries, Entry{Name: m.name, Offset: uint32(offset), Size: m.size})
		offset += uint64(m.size)
	}
	if offset > layout.MaxArchiveSize {
		return nil, 0, fmt.Errorf("%w: archive would be %d bytes", ErrSizeOverflow, offset)
	}
	return entries, offset, nil
}

// Write serializes the header, table, and member data to w in one pass.
//
// Offsets are computed before the first byte is written, so size overflows
// leave w untouched. Each source is copied exactly once with exactly its
// measured size; a source that ends early fails with ErrUnexpectedEnd. Sources
// are not rewound afterwards and the Encoder cannot be written again.
//
// On error w holds a partial archive; use CreateFile for atomic file output.
// The context is checked between members.
func (e *Encoder) Write(ctx context.Context, w io.Writer) (WriteStats, error) {
	if e.spent {
		return WriteStats{}, ErrEncoderSpent
	}
	entries, total, err := e.plan()
	if err != nil {
		return WriteStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return WriteStats{}, err
	}
	e.spent = true

	prefix := uint64(layout.HeaderSize)
	if len(entries) > 0 {
		prefix = uint64(entries[0].Offset)
	}
	dataSize := total - prefix
	e.log().Info("writing archive", "members", len(entries), "size", total)

	table := make([]byte, 0, prefix)
	table = layout.AppendHeader(table, uint32(len(entries))) //nolint:gosec // checked by plan
	for _, entry := range entries {
		table = layout.AppendEntry(table, entry.Name, entry.Offset, entry.Size)
	}

	digester := digest.Canonical.Digester()
	bw := bufio.NewWriterSize(io.MultiWriter(w, digester.Hash()), writeBufferSize)

	e.reportProgress(StageWritingTable, "", 0, dataSize, 0)
	if _, err := bw.Write(table); err != nil {
		return WriteStats{}, fmt.Errorf("write table: %w", err)
	}

	var done uint64
	for i, m := range e.members {
		if err := ctx.Err(); err != nil {
			return WriteStats{}, err
		}
		n, err := io.CopyN(bw, m.src, int64(m.size))
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: source shrank to %d of %d bytes: %w", ErrUnexpectedEnd, n, m.size, io.ErrUnexpectedEOF)
			}
			return WriteStats{}, &fs.PathError{Op: "write", Path: m.name, Err: err}
		}
		done += uint64(m.size)
		e.log().Debug("member written", "name", m.name, "offset", entries[i].Offset, "size", m.size)
		e.reportProgress(StageWritingData, m.name, done, dataSize, i+1)
	}

	if err := bw.Flush(); err != nil {
		return WriteStats{}, fmt.Errorf("flush archive: %w", err)
	}

	return WriteStats{
		Members: len(entries),
		Size:    int64(total), //nolint:gosec // bounded by MaxArchiveSize
		Digest:  digester.Digest(),
	}, nil
}

// Close closes every added source that implements io.Closer.
func (e *Encoder) Close() error {
	var errs []error
	for _, m := range e.members {
		if err := closeSource(m.src); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", m.name, err))
		}
	}
	return errors.Join(errs...)
}

// probeSize measures src by seeking to its end and back to its start.
func probeSize(src io.ReadSeeker) (uint32, error) {
	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek to end: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to start: %w", err)
	}
	size, err := sizing.ToUint32(end, ErrSizeOverflow)
	if err != nil {
		return 0, fmt.Errorf("%w: source is %d bytes", err, end)
	}
	return size, nil
}

func closeSource(src io.ReadSeeker) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
