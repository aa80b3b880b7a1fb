package pakt

import "log/slog"

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// EncodeWithReplace controls what happens when a name is added twice.
// By default the second add fails with ErrDuplicateName. When enabled, the
// new source replaces the earlier one and keeps its position in the archive;
// the replaced source is closed if it implements io.Closer.
func EncodeWithReplace(enabled bool) EncoderOption {
	return func(e *Encoder) {
		e.replace = enabled
	}
}

// EncodeWithMaxMembers limits how many members can be added, so that
// archives written with the defaults open with the decoder's defaults.
// Zero uses DefaultMaxMembers. Negative means no limit.
func EncodeWithMaxMembers(n int) EncoderOption {
	return func(e *Encoder) {
		e.maxMembers = n
	}
}

// EncodeWithMaxNameLen limits the length of a member name in bytes.
// Zero uses DefaultMaxNameLen. Negative allows any name that fits the
// 32-bit length prefix.
func EncodeWithMaxNameLen(n int) EncoderOption {
	return func(e *Encoder) {
		e.maxNameLen = n
	}
}

// EncodeWithLogger sets the logger used for encoder events.
// A nil logger discards all output.
func EncodeWithLogger(logger *slog.Logger) EncoderOption {
	return func(e *Encoder) {
		e.logger = logger
	}
}

// EncodeWithProgress sets a callback that receives progress updates while
// the archive is written.
func EncodeWithProgress(fn ProgressFunc) EncoderOption {
	return func(e *Encoder) {
		e.progress = fn
	}
}
