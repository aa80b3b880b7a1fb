package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/pakt"
	"github.com/meigma/pakt/cache"
)

const cacheNone = "none"

type config struct {
	mode            string
	members         int
	memberSize      int
	dirCount        int
	pattern         string
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cache           string
	cacheBlocks     int
	blockSize       int64
	workers         int
	readRandom      bool
	tempDir         string
	keepTemp        bool
	randomSeed      int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkEntry pakt.Entry
	sinkCount int
)

// dataset is the generated input shared by every mode.
type dataset struct {
	names   []string
	bodies  [][]byte
	archive []byte
	dir     string
}

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	data, err := makeDataset(dir, cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, data)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, data *dataset) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "encode":
		var buf bytes.Buffer
		for shouldContinue() {
			buf.Reset()
			enc := pakt.NewEncoder()
			for i, name := range data.names {
				if err := enc.AddBytes(name, data.bodies[i]); err != nil {
					return profileStats{}, err
				}
			}
			stats, err := enc.Write(ctx, &buf)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += stats.Size
			ops++
		}

	case "encode-path":
		for shouldContinue() {
			enc := pakt.NewEncoder()
			for _, name := range data.names {
				if err := enc.AddPath(name, filepath.Join(data.dir, "src", filepath.FromSlash(name))); err != nil {
					return profileStats{}, err
				}
			}
			stats, err := pakt.CreateFile(ctx, filepath.Join(data.dir, "encoded.pakt"), enc)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += stats.Size
			ops++
		}

	case "open":
		for shouldContinue() {
			d, err := pakt.Open(bytes.NewReader(data.archive))
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = d.Len()
			byteCount += int64(len(data.archive))
			ops++
		}

	case "lookup":
		d, err := pakt.OpenSource(bytes.NewReader(data.archive))
		if err != nil {
			return profileStats{}, err
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			name := pickName(data.names, ops, rng, cfg.readRandom)
			e, ok := d.Entry(name)
			if !ok {
				return profileStats{}, fmt.Errorf("missing entry for %q", name)
			}
			sinkEntry = e
			ops++
		}

	case "readfile":
		src, closeSrc, err := newSource(cfg, data.archive)
		if err != nil {
			return profileStats{}, err
		}
		if closeSrc != nil {
			defer closeSrc()
		}
		d, err := pakt.OpenSource(src)
		if err != nil {
			return profileStats{}, err
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			name := pickName(data.names, ops, rng, cfg.readRandom)
			content, err := d.ReadFile(name)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = content
			byteCount += int64(len(content))
			ops++
		}

	case "extract":
		d, err := pakt.Open(bytes.NewReader(data.archive))
		if err != nil {
			return profileStats{}, err
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			name := pickName(data.names, ops, rng, cfg.readRandom)
			n, err := d.Extract(name, io.Discard)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}

	case "extract-all":
		src, closeSrc, err := newSource(cfg, data.archive)
		if err != nil {
			return profileStats{}, err
		}
		if closeSrc != nil {
			defer closeSrc()
		}
		d, err := pakt.OpenSource(src)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			destDir := filepath.Join(data.dir, "extract", fmt.Sprintf("iter-%d", ops))
			stats, err := d.ExtractAll(ctx, destDir, pakt.ExtractWithWorkers(cfg.workers))
			if err != nil {
				return profileStats{}, err
			}
			if err := os.RemoveAll(destDir); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(stats.TotalBytes) //nolint:gosec // bounded by archive size
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "readfile", "mode: encode, encode-path, open, lookup, readfile, extract, extract-all")
	flag.IntVar(&cfg.members, "members", 512, "number of archive members")
	flag.IntVar(&cfg.memberSize, "member-size", 16<<10, "member size in bytes")
	flag.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories in member names")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.StringVar(&cfg.dataURL, "data-url", "", "HTTP archive URL (use \"local\" to serve generated data)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP source")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP source (e.g. 10MBps)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cache, "cache", cacheNone, "cache: memory or none (readfile and extract-all modes)")
	flag.IntVar(&cfg.cacheBlocks, "cache-blocks", 1024, "block cache capacity in blocks")
	flag.Int64Var(&cfg.blockSize, "block-size", cache.DefaultBlockSize, "block cache block size in bytes")
	flag.IntVar(&cfg.workers, "workers", 0, "extract workers: <0 serial, 0 auto, >0 fixed")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize member selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	return cfg
}

func pickName(names []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return names[rng.Intn(len(names))]
	}
	return names[idx%len(names)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "pakt-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeDataset generates member contents, writes them under dir/src for the
// path-based modes, and encodes them into an in-memory archive.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeDataset(dir string, cfg config) (*dataset, error) {
	if cfg.members <= 0 {
		return nil, errors.New("members must be positive")
	}
	dirCount := max(cfg.dirCount, 1)
	data := &dataset{
		names:  make([]string, 0, cfg.members),
		bodies: make([][]byte, 0, cfg.members),
		dir:    dir,
	}
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional use for reproducible benchmarks
	enc := pakt.NewEncoder()
	for i := range cfg.members {
		name := fmt.Sprintf("dir%02d/member%05d.dat", i%dirCount, i)

		content := make([]byte, cfg.memberSize)
		switch cfg.pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		fullPath := filepath.Join(dir, "src", filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return nil, err
		}
		if err := os.WriteFile(fullPath, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return nil, err
		}
		if err := enc.AddBytes(name, content); err != nil {
			return nil, err
		}
		data.names = append(data.names, name)
		data.bodies = append(data.bodies, content)
	}

	var buf bytes.Buffer
	if _, err := enc.Write(context.Background(), &buf); err != nil {
		return nil, err
	}
	data.archive = buf.Bytes()
	return data, nil
}

// newSource returns the archive source for the read modes: the in-memory
// bytes or an HTTP source, optionally behind the block cache.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSource(cfg config, archive []byte) (pakt.ByteSource, func(), error) {
	var src pakt.ByteSource = bytes.NewReader(archive)
	var cleanup func()
	sourceID := "memory:profiler"
	if cfg.dataURL != "" {
		httpSrc, closeHTTP, err := newHTTPSource(cfg, archive)
		if err != nil {
			return nil, nil, err
		}
		src, cleanup, sourceID = httpSrc, closeHTTP, httpSrc.SourceID()
	}

	switch cfg.cache {
	case cacheNone:
		return src, cleanup, nil
	case "memory":
		cached, err := wrapCache(cfg, src, sourceID)
		if err != nil {
			if cleanup != nil {
				cleanup()
			}
			return nil, nil, err
		}
		return cached, cleanup, nil
	default:
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, fmt.Errorf("unknown cache: %s", cfg.cache)
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func wrapCache(cfg config, src pakt.ByteSource, sourceID string) (*cache.Source, error) {
	bc, err := cache.NewBlockCache(cfg.cacheBlocks)
	if err != nil {
		return nil, err
	}
	return bc.Wrap(src, cache.WithBlockSize(cfg.blockSize), cache.WithSourceID(sourceID))
}
