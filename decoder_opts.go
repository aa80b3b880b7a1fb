package pakt

import "log/slog"

const (
	// DefaultMaxMembers is the default limit on entries read from a table.
	DefaultMaxMembers = 200_000

	// DefaultMaxNameLen is the default limit on a single member name, in bytes.
	DefaultMaxNameLen = 64 << 10

	// DefaultMaxMemberSize is the default limit for ReadFile (256MB).
	DefaultMaxMemberSize = 256 << 20
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for decoder events.
// A nil logger discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// WithMaxMembers limits the entry count accepted from an archive header.
// Zero uses DefaultMaxMembers. Negative means no limit.
func WithMaxMembers(n int) Option {
	return func(d *Decoder) {
		d.maxMembers = n
	}
}

// WithMaxNameLen limits the length of a single member name in the table.
// Zero disables the limit.
func WithMaxNameLen(n uint32) Option {
	return func(d *Decoder) {
		d.maxNameLen = n
	}
}

// WithMaxMemberSize limits the member size ReadFile will load into memory.
// Zero disables the limit. Extract and Section are not affected.
func WithMaxMemberSize(n uint64) Option {
	return func(d *Decoder) {
		d.maxMemberSize = n
	}
}
