package layout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// Magic identifies a pakt archive. It occupies the first four bytes.
	Magic = "PAKT"

	// Version is the only archive version this package reads and writes.
	Version uint32 = 1

	// FieldSize is the width in bytes of every integer field.
	FieldSize = 4

	// ReservedSize is the width of the zero-filled reserved header region.
	ReservedSize = 80

	// HeaderSize is the total size of the fixed header.
	HeaderSize = len(Magic) + FieldSize + ReservedSize + FieldSize

	// MaxUint32 is the largest size or offset a table entry can record.
	MaxUint32 = math.MaxUint32

	// MaxArchiveSize is the largest archive the 32-bit offsets can describe.
	MaxArchiveSize = MaxUint32 + 1
)

// Field offsets within the header.
const (
	versionOffset  = len(Magic)
	reservedOffset = versionOffset + FieldSize
	countOffset    = reservedOffset + ReservedSize
)

// smallNameLen is the largest name length read into a single up-front
// allocation. Longer names are read incrementally so a corrupt length
// cannot force a huge allocation before the source runs dry.
const smallNameLen = 4 << 10

// Sentinel errors.
var (
	// ErrInvalidMagic is returned when the first four bytes are not Magic.
	ErrInvalidMagic = errors.New("pakt: invalid magic number")

	// ErrInvalidVersion is returned when the header version is not Version.
	ErrInvalidVersion = errors.New("pakt: unsupported version")

	// ErrUnexpectedEnd is returned when the source ends before a field or
	// member is complete.
	ErrUnexpectedEnd = errors.New("pakt: unexpected end of data")

	// ErrNameTooLong is returned when a member name exceeds the allowed length.
	ErrNameTooLong = errors.New("pakt: member name too long")

	// ErrSizeOverflow is returned when a size or offset does not fit in 32 bits.
	ErrSizeOverflow = errors.New("pakt: size overflow")
)

// Header is the decoded fixed header.
type Header struct {
	Version uint32
	Count   uint32
}

// Entry is a decoded table entry.
type Entry struct {
	// Name is the member name. It is the lookup key and may hold arbitrary bytes.
	Name string

	// Offset is the absolute position of the member's first byte.
	Offset uint32

	// Size is the member length in bytes.
	Size uint32
}

// End returns the position one past the member's last byte.
func (e Entry) End() uint64 {
	return uint64(e.Offset) + uint64(e.Size)
}

// EntrySize returns the encoded size of a table entry whose name is nameLen bytes.
func EntrySize(nameLen int) uint64 {
	return FieldSize + uint64(nameLen) + FieldSize + FieldSize //nolint:gosec // lengths are non-negative
}

// AppendHeader appends an encoded header announcing count entries to dst.
func AppendHeader(dst []byte, count uint32) []byte {
	dst = append(dst, Magic...)
	dst = binary.LittleEndian.AppendUint32(dst, Version)
	dst = append(dst, make([]byte, ReservedSize)...)
	return binary.LittleEndian.AppendUint32(dst, count)
}

// DecodeHeader decodes a complete header from b.
//
// Validation follows field order: a bad magic is reported even when b is too
// short to hold the rest of the header. The reserved region is not inspected.
// A short b yields an error matching both ErrUnexpectedEnd and
// io.ErrUnexpectedEOF.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < versionOffset {
		return Header{}, fmt.Errorf("%w: header magic: %w", ErrUnexpectedEnd, io.ErrUnexpectedEOF)
	}
	if err := CheckMagic(b[:versionOffset]); err != nil {
		return Header{}, err
	}
	if len(b) < reservedOffset {
		return Header{}, fmt.Errorf("%w: header version: %w", ErrUnexpectedEnd, io.ErrUnexpectedEOF)
	}
	version, err := DecodeVersion(b[versionOffset:reservedOffset])
	if err != nil {
		return Header{}, err
	}
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header: %w", ErrUnexpectedEnd, io.ErrUnexpectedEOF)
	}
	return Header{
		Version: version,
		Count:   binary.LittleEndian.Uint32(b[countOffset:HeaderSize]),
	}, nil
}

// CheckMagic reports ErrInvalidMagic unless b is exactly Magic.
func CheckMagic(b []byte) error {
	if !bytes.Equal(b, []byte(Magic)) {
		return fmt.Errorf("%w: %q", ErrInvalidMagic, b)
	}
	return nil
}

// DecodeVersion decodes a version field and checks that it is supported.
func DecodeVersion(b []byte) (uint32, error) {
	v, err := DecodeUint32(b)
	if err != nil {
		return 0, err
	}
	if v != Version {
		return 0, fmt.Errorf("%w: %d (supported: %d)", ErrInvalidVersion, v, Version)
	}
	return v, nil
}

// DecodeUint32 decodes a little-endian u32 field.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) != FieldSize {
		return 0, fmt.Errorf("%w: field is %d bytes", ErrUnexpectedEnd, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// AppendEntry appends an encoded table entry to dst.
//
// The caller guarantees len(name) fits in 32 bits; see CheckNameLen.
func AppendEntry(dst []byte, name string, offset, size uint32) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(name))) //nolint:gosec // checked by CheckNameLen
	dst = append(dst, name...)
	dst = binary.LittleEndian.AppendUint32(dst, offset)
	return binary.LittleEndian.AppendUint32(dst, size)
}

// CheckNameLen reports ErrNameTooLong when a name cannot be length-prefixed.
func CheckNameLen(n int) error {
	if uint64(n) > MaxUint32 { //nolint:gosec // n is a slice length
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, n)
	}
	return nil
}

// ReadEntry reads one table entry from r.
//
// Names longer than maxNameLen bytes are rejected with ErrNameTooLong before
// any name bytes are read; zero disables the limit.
func ReadEntry(r io.Reader, maxNameLen uint32) (Entry, error) {
	var field [FieldSize]byte
	if err := ReadFull(r, field[:], "entry name length"); err != nil {
		return Entry{}, err
	}
	nameLen := binary.LittleEndian.Uint32(field[:])
	if maxNameLen > 0 && nameLen > maxNameLen {
		return Entry{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrNameTooLong, nameLen, maxNameLen)
	}

	name, err := readName(r, nameLen)
	if err != nil {
		return Entry{}, err
	}

	if err := ReadFull(r, field[:], "entry offset"); err != nil {
		return Entry{}, err
	}
	offset := binary.LittleEndian.Uint32(field[:])

	if err := ReadFull(r, field[:], "entry size"); err != nil {
		return Entry{}, err
	}
	size := binary.LittleEndian.Uint32(field[:])

	return Entry{Name: name, Offset: offset, Size: size}, nil
}

func readName(r io.Reader, n uint32) (string, error) {
	if n <= smallNameLen {
		buf := make([]byte, n)
		if err := ReadFull(r, buf, "entry name"); err != nil {
			return "", err
		}
		return string(buf), nil
	}
	buf, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return "", fmt.Errorf("read entry name: %w", err)
	}
	if uint64(len(buf)) < uint64(n) {
		return "", fmt.Errorf("%w: entry name: %w", ErrUnexpectedEnd, io.ErrUnexpectedEOF)
	}
	return string(buf), nil
}

// ReadFull reads exactly len(buf) bytes from r.
//
// A source that ends early yields an error matching both ErrUnexpectedEnd and
// io.ErrUnexpectedEOF; any other failure is wrapped with the field name.
func ReadFull(r io.Reader, buf []byte, field string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s: %w", ErrUnexpectedEnd, field, io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("read %s: %w", field, err)
	}
	return nil
}
