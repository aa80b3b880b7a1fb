// Package pakt implements a single-file archive format that bundles named
// byte streams (members) into one seekable file.
//
// An archive is a fixed header, a table of (name, offset, size) entries, and
// the member bytes concatenated in table order. The [Decoder] reads the
// header and table once and then serves random-access extraction of single
// members without loading the rest of the archive. The [Encoder] computes
// every member's absolute offset up front and serializes header, table, and
// data in one pass.
//
// # Writing
//
//	enc := pakt.NewEncoder()
//	defer enc.Close()
//	if err := enc.AddBytes("a.txt", []byte("hi")); err != nil {
//	    return err
//	}
//	if err := enc.AddPath("logo.png", "./assets/logo.png"); err != nil {
//	    return err
//	}
//	stats, err := pakt.CreateFile(ctx, "assets.pakt", enc)
//
// # Reading
//
//	f, err := pakt.OpenFile("assets.pakt")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//	_, err = f.Extract("a.txt", os.Stdout)
//
// # Remote archives
//
// [OpenSource] accepts any [ByteSource]. Package http serves one over range
// requests and package cache adds an in-memory block cache in front of it, so
// a remote archive's table and a single member can be read without fetching
// the rest. Package oci publishes archives to OCI registries.
//
// Members hold raw bytes only: the format has no compression, encryption,
// directories, or checksums.
package pakt
