// Package layout defines the on-disk shape of pakt archives.
//
// An archive is a fixed 92-byte header, a table of length-prefixed entries,
// and the member bytes concatenated in table order:
//
//	offset 0   magic        "PAKT"
//	offset 4   version      u32 (1)
//	offset 8   reserved     80 zero bytes, ignored on read
//	offset 88  entry_count  u32
//	offset 92  entries      { name_len u32, name, offset u32, size u32 } ...
//	           data         member bytes, each starting at its entry offset
//
// All integers are little-endian unsigned 32-bit values. The package is pure:
// it encodes and decodes byte slices and reads entries from an io.Reader, but
// never seeks or owns a source.
package layout
