package pakt

import (
	"errors"

	"github.com/meigma/pakt/internal/layout"
)

// Errors re-exported from the layout codec.
var (
	// ErrInvalidMagic is returned when the archive does not start with the format magic.
	ErrInvalidMagic = layout.ErrInvalidMagic

	// ErrInvalidVersion is returned when the archive version is not supported.
	ErrInvalidVersion = layout.ErrInvalidVersion

	// ErrUnexpectedEnd is returned when the source ends inside the header,
	// the table, or a member. Errors wrapping it also match io.ErrUnexpectedEOF.
	ErrUnexpectedEnd = layout.ErrUnexpectedEnd

	// ErrNameTooLong is returned when a member name exceeds the allowed length.
	ErrNameTooLong = layout.ErrNameTooLong

	// ErrSizeOverflow is returned when a member or the archive does not fit
	// the format's 32-bit sizes and offsets.
	ErrSizeOverflow = layout.ErrSizeOverflow
)

// Sentinel errors.
var (
	// ErrMemberNotFound is returned when a requested name is not in the table.
	ErrMemberNotFound = errors.New("pakt: member not found")

	// ErrDuplicateName is returned when a name is added twice or appears
	// twice in an archive table.
	ErrDuplicateName = errors.New("pakt: duplicate member name")

	// ErrEmptyName is returned when a member is added without a name.
	ErrEmptyName = errors.New("pakt: empty member name")

	// ErrTooManyMembers is returned when an archive announces more entries
	// than the configured limit.
	ErrTooManyMembers = errors.New("pakt: too many members")

	// ErrEncoderSpent is returned when Write is called on an encoder whose
	// sources have already been consumed.
	ErrEncoderSpent = errors.New("pakt: encoder already written")

	// ErrNoRandomAccess is returned when an operation needs positional reads
	// and the source does not implement io.ReaderAt.
	ErrNoRandomAccess = errors.New("pakt: source does not support random access")

	// ErrUnsafeName is returned when a member name cannot be used as a
	// local file path during extraction to disk.
	ErrUnsafeName = errors.New("pakt: unsafe member name")
)
