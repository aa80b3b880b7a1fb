package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	pakthttp "github.com/meigma/pakt/http"
)

// newHTTPSource opens the archive over HTTP. With data-url=local the
// generated archive is served from an in-process test server.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newHTTPSource(cfg config, data []byte) (*pakthttp.Source, func(), error) {
	if cfg.dataURL == "" {
		return nil, nil, errors.New("data-url is required for HTTP source")
	}

	client := newHTTPClient(cfg)
	url := cfg.dataURL
	var cleanup func()
	if cfg.dataURL == "local" {
		server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			nethttp.ServeContent(w, r, "archive.pakt", time.Time{}, bytes.NewReader(data))
		}))
		url = server.URL
		cleanup = server.Close
	}

	source, err := pakthttp.NewSource(context.Background(), url, pakthttp.WithClient(client))
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, err
	}
	return source, cleanup, nil
}

// newHTTPClient returns a client whose transport simulates the configured
// link. Latency applies per request; bandwidth is shared by every response
// body read through the client, as concurrent range reads over one link are.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newHTTPClient(cfg config) *nethttp.Client {
	var transport nethttp.RoundTripper = nethttp.DefaultTransport.(*nethttp.Transport).Clone() //nolint:errcheck // DefaultTransport is always *Transport
	if cfg.dataHTTPLatency > 0 || cfg.dataHTTPBPS > 0 {
		transport = &slowLink{
			next:    transport,
			latency: cfg.dataHTTPLatency,
			pacer:   newPacer(cfg.dataHTTPBPS),
		}
	}
	return &nethttp.Client{Transport: transport}
}

// slowLink delays each round trip and paces response bodies.
type slowLink struct {
	next    nethttp.RoundTripper
	latency time.Duration
	pacer   *pacer // nil means unlimited bandwidth
}

func (l *slowLink) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if l.latency > 0 {
		select {
		case <-time.After(l.latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	resp, err := l.next.RoundTrip(req)
	if err != nil || l.pacer == nil || resp.Body == nil {
		return resp, err
	}
	resp.Body = &pacedBody{ReadCloser: resp.Body, pacer: l.pacer}
	return resp, nil
}

// pacer hands out transfer slots on a shared timeline so that the total
// rate across all bodies stays at bytesPerSecond.
type pacer struct {
	mu             sync.Mutex
	bytesPerSecond int64
	next           time.Time // earliest moment the link is free again
}

func newPacer(bytesPerSecond int64) *pacer {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &pacer{bytesPerSecond: bytesPerSecond}
}

// wait blocks until n bytes may be delivered.
func (p *pacer) wait(n int) {
	cost := time.Duration(int64(n) * int64(time.Second) / p.bytesPerSecond)

	p.mu.Lock()
	now := time.Now()
	if p.next.Before(now) {
		p.next = now
	}
	p.next = p.next.Add(cost)
	until := p.next
	p.mu.Unlock()

	time.Sleep(time.Until(until))
}

type pacedBody struct {
	io.ReadCloser
	pacer *pacer
}

func (b *pacedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.pacer.wait(n)
	}
	return n, err
}

// unitSuffixes maps binary size suffixes to multipliers. Longer suffixes
// come first so "mb" wins over "b".
var unitSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10},
	{"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10},
}

// parseBytesPerSecond parses rates such as "512", "64k", "10MBps" or "1g/s".
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.ToLower(strings.TrimSpace(value))
	for _, rate := range []string{"bps", "/s"} {
		text = strings.TrimSuffix(text, rate)
	}
	text = strings.TrimSpace(text)

	mult := int64(1)
	for _, u := range unitSuffixes {
		if trimmed, ok := strings.CutSuffix(text, u.suffix); ok {
			text, mult = strings.TrimSpace(trimmed), u.mult
			break
		}
	}

	raw, err := strconv.ParseInt(text, 10, 64)
	if err != nil || raw <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return raw * mult, nil
}
