package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pakt"
	pakthttp "github.com/meigma/pakt/http"
)

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "archive.pakt", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSource_ReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := serveBytes(t, data)

	src, err := pakthttp.NewSource(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), src.Size())

	tests := []struct {
		name    string
		bufSize int
		offset  int64
		wantN   int
		wantErr error
		want    string
	}{
		{name: "read from middle", bufSize: 5, offset: 6, wantN: 5, want: "world"},
		{name: "read past end returns EOF", bufSize: 10, offset: int64(len(data) - 3), wantN: 3, wantErr: io.EOF, want: "rld"},
		{name: "offset at end", bufSize: 4, offset: int64(len(data)), wantN: 0, wantErr: io.EOF, want: ""},
		{name: "empty buffer", bufSize: 0, offset: 0, wantN: 0, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := make([]byte, tt.bufSize)
			n, err := src.ReadAt(buf, tt.offset)
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.want, string(buf[:n]))
		})
	}

	_, err = src.ReadAt(make([]byte, 1), -1)
	require.Error(t, err)
}

func TestSource_ReadRange(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	src, err := pakthttp.NewSource(context.Background(), serveBytes(t, data).URL)
	require.NoError(t, err)

	rc, err := src.ReadRange(context.Background(), 3, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "3456", string(got))

	rc, err = src.ReadRange(context.Background(), 8, 100)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "89", string(got))

	_, err = src.ReadRange(context.Background(), 10, 1)
	require.ErrorIs(t, err, io.EOF)

	_, err = src.ReadRange(context.Background(), 0, -1)
	require.Error(t, err)
}

func TestNewSource_RangeUnsupported(t *testing.T) {
	t.Parallel()

	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == nethttp.MethodHead {
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	_, err := pakthttp.NewSource(context.Background(), server.URL)
	require.ErrorIs(t, err, pakthttp.ErrRangeNotSupported)
}

func TestNewSource_NotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.NotFoundHandler())
	t.Cleanup(server.Close)

	_, err := pakthttp.NewSource(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSource_ConditionalContentChanged(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	var changed atomic.Bool
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		etag := `"v1"`
		if changed.Load() {
			etag = `"v2"`
		}
		w.Header().Set("ETag", etag)
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := pakthttp.NewSource(context.Background(), server.URL, pakthttp.WithConditionalHeaders())
	require.NoError(t, err)
	assert.Contains(t, src.SourceID(), `"v1"`)

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	changed.Store(true)
	_, err = src.ReadAt(buf, 0)
	require.ErrorIs(t, err, pakthttp.ErrContentChanged)
}

func TestSource_Headers(t *testing.T) {
	t.Parallel()

	data := []byte("secret")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") != "Bearer token" || r.Header.Get("X-Trace") != "1" {
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	_, err := pakthttp.NewSource(context.Background(), server.URL)
	require.Error(t, err)

	src, err := pakthttp.NewSource(context.Background(), server.URL,
		pakthttp.WithHeaders(nethttp.Header{"Authorization": {"Bearer token"}}),
		pakthttp.WithHeader("X-Trace", "1"),
		pakthttp.WithClient(server.Client()),
		pakthttp.WithSourceID("fixed"),
	)
	require.NoError(t, err)
	assert.Equal(t, "fixed", src.SourceID())

	buf := make([]byte, len(data))
	_, err = src.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestSource_OpenArchive(t *testing.T) {
	t.Parallel()

	enc := pakt.NewEncoder()
	require.NoError(t, enc.AddBytes("a.txt", []byte("hi")))
	require.NoError(t, enc.AddBytes("b.bin", []byte{0x00, 0x01, 0x02}))
	var archive bytes.Buffer
	_, err := enc.Write(context.Background(), &archive)
	require.NoError(t, err)

	var requests atomic.Int64
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		requests.Add(1)
		nethttp.ServeContent(w, r, "archive.pakt", time.Time{}, bytes.NewReader(archive.Bytes()))
	}))
	t.Cleanup(server.Close)

	src, err := pakthttp.NewSource(context.Background(), server.URL)
	require.NoError(t, err)

	d, err := pakt.OpenSource(src)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), d.TotalFiles())

	before := requests.Load()
	sec, err := d.Section("b.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(sec)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, got)
	assert.Positive(t, requests.Load()-before)

	var buf bytes.Buffer
	_, err = d.Extract("a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", buf.String())
}
