package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/pakt"
)

// blockKey identifies one block of one source at one block size.
type blockKey struct {
	source string
	size   int64
	index  int64
}

func (k blockKey) String() string {
	return fmt.Sprintf("%s|%d|%d", k.source, k.size, k.index)
}

// BlockCache holds recently read blocks of wrapped sources in memory, evicting
// the least recently used block once maxBlocks is reached. A BlockCache may be
// shared by many wrapped sources and is safe for concurrent use.
type BlockCache struct {
	blocks     *lru.Cache[blockKey, []byte]
	fetchGroup singleflight.Group // deduplicates concurrent fetches for same block
	bytes      atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	bypassed   atomic.Int64
	evictions  atomic.Int64
	logger     *slog.Logger
}

// NewBlockCache returns a cache holding at most maxBlocks blocks.
func NewBlockCache(maxBlocks int, opts ...Option) (*BlockCache, error) {
	if maxBlocks <= 0 {
		return nil, fmt.Errorf("%w: max blocks must be > 0, got %d", ErrInvalidConfig, maxBlocks)
	}
	c := &BlockCache{}
	for _, opt := range opts {
		opt(c)
	}
	blocks, err := lru.NewWithEvict(maxBlocks, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.blocks = blocks
	return c, nil
}

func (c *BlockCache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *BlockCache) onEvict(_ blockKey, data []byte) {
	c.bytes.Add(-int64(len(data)))
	c.evictions.Add(1)
}

// Wrap returns a source that serves reads of src from cached blocks.
//
// The block key includes the source identifier, taken from WithSourceID or
// from src when it implements Identified. Sources without an identifier fail
// with ErrNoSourceID.
func (c *BlockCache) Wrap(src pakt.ByteSource, opts ...WrapOption) (*Source, error) {
	if src == nil {
		return nil, errors.New("cache: source is nil")
	}
	cfg := WrapConfig{
		BlockSize:        DefaultBlockSize,
		MaxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize > math.MaxInt32 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidConfig, cfg.BlockSize)
	}
	if cfg.MaxBlocksPerRead < 0 {
		return nil, fmt.Errorf("%w: max blocks per read %d", ErrInvalidConfig, cfg.MaxBlocksPerRead)
	}
	if cfg.SourceID == "" {
		if id, ok := src.(Identified); ok {
			cfg.SourceID = id.SourceID()
		}
	}
	if cfg.SourceID == "" {
		return nil, ErrNoSourceID
	}
	return &Source{
		src:              src,
		cache:            c,
		sourceID:         cfg.SourceID,
		blockSize:        cfg.BlockSize,
		maxBlocksPerRead: cfg.MaxBlocksPerRead,
	}, nil
}

// Stats returns a snapshot of the cache counters.
func (c *BlockCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Bypassed:  c.bypassed.Load(),
		Evictions: c.evictions.Load(),
		Blocks:    c.blocks.Len(),
		Bytes:     c.bytes.Load(),
	}
}

// Purge drops every cached block.
func (c *BlockCache) Purge() {
	c.blocks.Purge()
}

// block returns the cached block for key, calling fetch on a miss.
func (c *BlockCache) block(key blockKey, length int64, fetch func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.blocks.Get(key); ok && int64(len(data)) == length {
		c.hits.Add(1)
		return data, nil
	}

	result, err, _ := c.fetchGroup.Do(key.String(), func() (any, error) {
		if data, ok := c.blocks.Peek(key); ok && int64(len(data)) == length {
			return data, nil
		}
		c.misses.Add(1)
		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		c.blocks.Remove(key)
		c.blocks.Add(key, data)
		c.bytes.Add(int64(len(data)))
		c.log().Debug("block cached", "source", key.source, "block", key.index, "size", len(data))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

// Source is a ByteSource whose reads go through a BlockCache.
type Source struct {
	src              pakt.ByteSource
	cache            *BlockCache
	sourceID         string
	blockSize        int64
	maxBlocksPerRead int
}

// Size returns the size of the wrapped source.
func (s *Source) Size() int64 {
	return s.src.Size()
}

// SourceID returns the identifier used in block keys.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadAt implements io.ReaderAt. Reads spanning more than the configured
// number of blocks are passed to the wrapped source uncached.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	first := off / s.blockSize
	last := (off + want - 1) / s.blockSize
	if s.maxBlocksPerRead > 0 && last-first+1 > int64(s.maxBlocksPerRead) {
		s.cache.bypassed.Add(1)
		return s.src.ReadAt(p, off)
	}

	var n int64
	for index := first; index <= last; index++ {
		start := index * s.blockSize
		end := min(start+s.blockSize, size)

		key := blockKey{source: s.sourceID, size: s.blockSize, index: index}
		data, err := s.cache.block(key, end-start, func() ([]byte, error) {
			return s.fetch(start, end-start)
		})
		if err != nil {
			return int(n), err
		}

		from := max(off, start)
		to := min(off+want, end)
		n += int64(copy(p[from-off:to-off], data[from-start:to-start]))
	}

	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// ReadRange returns a reader over [off, off+length) served from the cache.
func (s *Source) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	switch {
	case length < 0:
		return nil, fmt.Errorf("read range length %d: negative length", length)
	case off < 0:
		return nil, fmt.Errorf("read range %d: negative offset", off)
	case length == 0:
		return io.NopCloser(bytes.NewReader(nil)), nil
	case off >= s.src.Size():
		return nil, io.EOF
	}
	length = min(length, s.src.Size()-off)
	return io.NopCloser(io.NewSectionReader(s, off, length)), nil
}

// fetch reads one block from the wrapped source.
func (s *Source) fetch(off, length int64) ([]byte, error) {
	if rr, ok := s.src.(RangeReader); ok {
		rc, err := rr.ReadRange(context.Background(), off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, length))
	}

	buf := make([]byte, length)
	n, err := s.src.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// Interface compliance.
var (
	_ pakt.ByteSource = (*Source)(nil)
	_ RangeReader     = (*Source)(nil)
	_ Identified      = (*Source)(nil)
)
