package pakt

import (
	"io"

	"github.com/meigma/pakt/internal/layout"
)

// Entry describes one member in the archive table.
type Entry = layout.Entry

// Format constants.
const (
	// Magic is the four-byte literal that starts every archive.
	Magic = layout.Magic

	// Version is the archive version read and written by this package.
	Version = layout.Version

	// HeaderSize is the size in bytes of the fixed archive header.
	HeaderSize = layout.HeaderSize
)

// ByteSource provides random access to archive bytes.
//
// Implementations exist for HTTP range requests (package http) and cached
// sources (package cache). *os.File can be used directly with Open.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}
