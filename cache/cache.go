// Package cache provides an in-memory block cache for archive byte sources.
//
// Opening a remote archive issues many small reads for the header and table,
// and member reads often revisit the same regions. Wrapping the source in a
// BlockCache serves repeated reads from memory:
//
//	src, _ := http.NewSource(ctx, url)
//	bc, _ := cache.NewBlockCache(256)
//	cached, _ := bc.Wrap(src)
//	d, _ := pakt.OpenSource(cached)
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Sentinel errors.
var (
	// ErrNoSourceID is returned by Wrap when the source has no identifier.
	ErrNoSourceID = errors.New("cache: source id is empty")

	// ErrInvalidConfig is returned for non-positive sizes and limits.
	ErrInvalidConfig = errors.New("cache: invalid configuration")
)

// Identified is implemented by sources that expose a stable identifier.
// The identifier is part of every block key, so it must change whenever the
// underlying bytes change.
type Identified interface {
	SourceID() string
}

// RangeReader is implemented by sources that can stream a byte range in one
// request. Block fetches prefer it over ReadAt.
type RangeReader interface {
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
}

// DefaultBlockSize is the default size of a cached block.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBlocksPerRead caps the blocks cached for one ReadAt. Larger reads
// go straight to the source so sequential extraction does not flush the cache.
const DefaultMaxBlocksPerRead = 4

// WrapConfig controls how a source is wrapped.
type WrapConfig struct {
	// BlockSize is the size in bytes of each cached block.
	BlockSize int64

	// MaxBlocksPerRead is the largest number of blocks a single ReadAt may
	// span and still be cached. Zero disables the limit.
	MaxBlocksPerRead int

	// SourceID overrides the identifier reported by the source.
	SourceID string
}

// WrapOption configures Wrap.
type WrapOption func(*WrapConfig)

// WithBlockSize sets the block size used for caching.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.BlockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache when a ReadAt spans more than n
// blocks. Zero disables the limit.
func WithMaxBlocksPerRead(n int) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.MaxBlocksPerRead = n
	}
}

// WithSourceID sets the identifier used in block keys. It is required for
// sources that do not implement Identified.
func WithSourceID(id string) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.SourceID = id
	}
}

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithLogger sets the logger used for cache events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *BlockCache) {
		c.logger = logger
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Bypassed  int64
	Evictions int64
	Blocks    int
	Bytes     int64
}
