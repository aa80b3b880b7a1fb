package pakt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/pakt/internal/layout"
	"github.com/meigma/pakt/internal/sizing"
)

// tableBufferSize is the read-ahead used while parsing the entry table.
const tableBufferSize = 32 << 10

// Decoder provides random access to the members of an archive.
//
// The table is read once by Open and never changes afterwards. Extract moves
// the cursor of the underlying source; calls are serialized internally, so a
// Decoder is safe for concurrent use, but extractions do not run in parallel.
// Section and ExtractAll use positional reads instead when the source
// implements io.ReaderAt.
type Decoder struct {
	mu            sync.Mutex // guards the src cursor across seek and copy
	src           io.ReadSeeker
	ra            io.ReaderAt // nil when src has no positional reads
	count         uint32
	entries       []Entry
	byName        map[string]int
	maxMembers    int
	maxNameLen    uint32
	maxMemberSize uint64
	readGroup     singleflight.Group // zero value is valid
	logger        *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Decoder) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Open validates the archive header in src and reads its table.
//
// The archive must start at offset 0 of src; Open rewinds src before reading.
// The magic and version are checked before the rest of the header, so a
// foreign file fails with ErrInvalidMagic or ErrInvalidVersion regardless of
// its length.
// A source that ends inside the header or table fails with ErrUnexpectedEnd.
//
// The Decoder takes ownership of src. Member offsets and sizes are not checked
// against the source length; Extract reports ErrUnexpectedEnd if a member
// runs past the end.
func Open(src io.ReadSeeker, opts ...Option) (*Decoder, error) {
	d := &Decoder{
		src:           src,
		maxNameLen:    DefaultMaxNameLen,
		maxMemberSize: DefaultMaxMemberSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxMembers == 0 {
		d.maxMembers = DefaultMaxMembers
	}
	if ra, ok := src.(io.ReaderAt); ok {
		d.ra = ra
	}

	if err := d.readIndex(); err != nil {
		return nil, err
	}

	d.log().Debug("archive opened", "members", d.count)
	return d, nil
}

// OpenSource opens an archive served by a ByteSource, such as an HTTP range
// source or a cached source.
func OpenSource(src ByteSource, opts ...Option) (*Decoder, error) {
	return Open(io.NewSectionReader(src, 0, src.Size()), opts...)
}

// readIndex reads the header and table and builds the lookup map.
func (d *Decoder) readIndex() error {
	if _, err := d.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to archive start: %w", err)
	}

	// A short source still reaches DecodeHeader, which checks the magic and
	// version before reporting truncation.
	var header [layout.HeaderSize]byte
	n, err := io.ReadFull(d.src, header[:])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read header: %w", err)
	}
	h, err := layout.DecodeHeader(header[:n])
	if err != nil {
		return err
	}
	count := h.Count
	if d.maxMembers > 0 && uint64(count) > uint64(d.maxMembers) {
		return fmt.Errorf("%w: header announces %d (limit %d)", ErrTooManyMembers, count, d.maxMembers)
	}

	br := bufio.NewReaderSize(d.src, tableBufferSize)
	entries := make([]Entry, 0, min(count, 1024))
	byName := make(map[string]int, min(count, 1024))
	for i := range count {
		e, err := layout.ReadEntry(br, d.maxNameLen)
		if err != nil {
			return fmt.Errorf("read table entry %d: %w", i, err)
		}
		if _, dup := byName[e.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		byName[e.Name] = len(entries)
		entries = append(entries, e)
	}

	d.count = count
	d.entries = entries
	d.byName = byName
	return nil
}

// TotalFiles returns the entry count recorded in the archive header.
func (d *Decoder) TotalFiles() uint32 {
	return d.count
}

// Len returns the number of members in the archive.
func (d *Decoder) Len() int {
	return len(d.entries)
}

// Entry returns the table entry for name.
func (d *Decoder) Entry(name string) (Entry, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Entry{}, false
	}
	return d.entries[i], true
}

// Entries returns an iterator over all entries in table order.
func (d *Decoder) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range d.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Names returns member names in table order.
func (d *Decoder) Names() []string {
	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.Name
	}
	return names
}

// Extract copies the named member to w and returns the number of bytes copied.
//
// A name missing from the table fails with ErrMemberNotFound without touching
// the source. Otherwise the source is positioned at the member's offset and
// exactly Size bytes are copied; a source that ends first yields
// ErrUnexpectedEnd. Errors are wrapped in *fs.PathError.
func (d *Decoder) Extract(name string, w io.Writer) (int64, error) {
	e, ok := d.Entry(name)
	if !ok {
		return 0, &fs.PathError{Op: "extract", Path: name, Err: ErrMemberNotFound}
	}
	n, err := d.seekCopy(e, w)
	if err != nil {
		return n, &fs.PathError{Op: "extract", Path: name, Err: err}
	}
	return n, nil
}

// ReadFile returns the full content of the named member.
//
// Members larger than the WithMaxMemberSize limit fail with ErrSizeOverflow.
// Concurrent calls for the same member share a single read.
func (d *Decoder) ReadFile(name string) ([]byte, error) {
	e, ok := d.Entry(name)
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: ErrMemberNotFound}
	}
	if d.maxMemberSize > 0 && uint64(e.Size) > d.maxMemberSize {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: ErrSizeOverflow}
	}

	capacity, err := sizing.ToInt(uint64(e.Size), ErrSizeOverflow)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}

	result, err, shared := d.readGroup.Do(name, func() (any, error) {
		var buf bytes.Buffer
		buf.Grow(capacity)
		if _, err := d.seekCopy(e, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	content := result.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
	if shared {
		return bytes.Clone(content), nil
	}
	return content, nil
}

// Section returns a reader over the named member that uses positional reads
// and leaves the shared cursor alone. Sections are safe for concurrent use.
//
// Section fails with ErrNoRandomAccess when the source does not implement
// io.ReaderAt. A member that runs past the end of the source reads short.
func (d *Decoder) Section(name string) (*io.SectionReader, error) {
	e, ok := d.Entry(name)
	if !ok {
		return nil, &fs.PathError{Op: "section", Path: name, Err: ErrMemberNotFound}
	}
	if d.ra == nil {
		return nil, &fs.PathError{Op: "section", Path: name, Err: ErrNoRandomAccess}
	}
	return io.NewSectionReader(d.ra, int64(e.Offset), int64(e.Size)), nil
}

// Digest returns the sha256 digest of the named member's content.
//
// The archive stores no checksums; the digest is computed by streaming the
// member and is useful for comparing against an external manifest.
func (d *Decoder) Digest(name string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	if _, err := d.Extract(name, digester.Hash()); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

// seekCopy positions the shared cursor at e and copies its bytes to w.
// Seek and copy form one critical section.
func (d *Decoder) seekCopy(e Entry, w io.Writer) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.src.Seek(int64(e.Offset), io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to offset %d: %w", e.Offset, err)
	}
	n, err := io.CopyN(w, d.src, int64(e.Size))
	return n, memberCopyError(e, n, err)
}

// sectionCopy copies e to w using positional reads.
func (d *Decoder) sectionCopy(e Entry, w io.Writer) (int64, error) {
	section := io.NewSectionReader(d.ra, int64(e.Offset), int64(e.Size))
	n, err := io.CopyN(w, section, int64(e.Size))
	return n, memberCopyError(e, n, err)
}

// memberCopyError maps a short member copy to ErrUnexpectedEnd.
func memberCopyError(e Entry, n int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: member has %d of %d bytes: %w", ErrUnexpectedEnd, n, e.Size, io.ErrUnexpectedEOF)
	}
	return err
}
