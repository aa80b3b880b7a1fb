// Package http provides a pakt.ByteSource backed by HTTP range requests, so a
// remote archive can be opened and read member by member without downloading
// it.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"
)

// Sentinel errors.
var (
	// ErrRangeNotSupported is returned when the server ignores Range headers.
	ErrRangeNotSupported = errors.New("http: range requests not supported")

	// ErrSizeMismatch is returned when HEAD and the range probe disagree on
	// the content size.
	ErrSizeMismatch = errors.New("http: content size mismatch")

	// ErrContentChanged is returned when a conditional range read fails its
	// precondition. Archive offsets read earlier no longer describe the
	// remote bytes.
	ErrContentChanged = errors.New("http: remote content changed")
)

// Source reads an archive over HTTP range requests.
// It satisfies pakt.ByteSource (io.ReaderAt plus Size) and is safe for
// concurrent use.
type Source struct {
	url         string
	client      *nethttp.Client
	headers     nethttp.Header
	size        int64
	validator   validator
	sourceID    string
	conditional bool
	logger      *slog.Logger
}

// validator holds the cache validators reported by the server.
type validator struct {
	etag         string
	lastModified string
}

func (v validator) empty() bool {
	return v.etag == "" && v.lastModified == ""
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request, such as Authorization.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers != nil {
			s.headers = headers.Clone()
		}
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithSourceID overrides the identifier used as a block cache key.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithConditionalHeaders pins reads to the content seen by NewSource.
//
// Every range request carries If-Match or If-Unmodified-Since, and a failed
// precondition yields ErrContentChanged. Disabled by default because some
// servers reject conditional range requests.
func WithConditionalHeaders() Option {
	return func(s *Source) {
		s.conditional = true
	}
}

// WithLogger sets the logger used for request events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource probes url and returns a Source for it.
//
// The size comes from a "Range: bytes=0-0" probe, cross-checked against HEAD
// when the server answers it. A server that replies 200 to the probe fails
// with ErrRangeNotSupported.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{url: url}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	if err := s.probe(ctx); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	if s.sourceID == "" {
		s.sourceID = s.defaultSourceID()
	}
	s.log().Debug("http source ready", "url", url, "size", s.size, "etag", s.validator.etag)
	return s, nil
}

func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Size returns the size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns a stable identifier for the remote content.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadAt implements io.ReaderAt with one range request per call.
// A read that runs past the end returns the available bytes and io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), s.size-off)

	body, err := s.get(context.Background(), off, want)
	if err != nil {
		return 0, err
	}
	defer drain(body)

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, fmt.Errorf("read range %d-%d: %w", off, off+want-1, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns a reader for [off, off+length), clamped to the content
// size. An offset at or past the end yields io.EOF. The caller must close the
// reader to release the connection.
func (s *Source) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	switch {
	case length < 0:
		return nil, fmt.Errorf("read range length %d: negative length", length)
	case off < 0:
		return nil, fmt.Errorf("read range %d: negative offset", off)
	case length == 0:
		return io.NopCloser(bytes.NewReader(nil)), nil
	case off >= s.size:
		return nil, io.EOF
	}
	length = min(length, s.size-off)

	body, err := s.get(ctx, off, length)
	if err != nil {
		return nil, err
	}
	return &rangeBody{Reader: io.LimitReader(body, length), body: body}, nil
}

// get issues a range request for length bytes at off and returns the body of
// a 206 response.
func (s *Source) get(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	if s.conditional {
		s.setConditions(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		s.log().Debug("range read", "off", off, "len", length)
		return resp.Body, nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		return nil, io.EOF
	case nethttp.StatusPreconditionFailed:
		drain(resp.Body)
		if s.conditional {
			return nil, ErrContentChanged
		}
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, ErrRangeNotSupported
	default:
		drain(resp.Body)
	}
	return nil, fmt.Errorf("range request failed: %s", resp.Status)
}

// probe fills in the size and validators.
func (s *Source) probe(ctx context.Context) error {
	headSize := int64(-1)
	var head validator
	if req, err := s.newRequest(ctx, nethttp.MethodHead); err == nil {
		if resp, err := s.client.Do(req); err == nil {
			if resp.StatusCode == nethttp.StatusOK {
				headSize = resp.ContentLength
				head = validatorFrom(resp.Header)
			}
			drain(resp.Body)
		}
	}

	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeNotSupported
	default:
		return fmt.Errorf("range probe failed: %s", resp.Status)
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	if headSize > 0 && headSize != size {
		return fmt.Errorf("%w: head=%d range=%d", ErrSizeMismatch, headSize, size)
	}

	s.size = size
	s.validator = head
	if s.validator.empty() {
		s.validator = validatorFrom(resp.Header)
	}
	return nil
}

func (s *Source) newRequest(ctx context.Context, method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Transparent decompression would break byte offsets.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func (s *Source) setConditions(req *nethttp.Request) {
	if s.validator.etag != "" && req.Header.Get("If-Match") == "" {
		req.Header.Set("If-Match", s.validator.etag)
	}
	if s.validator.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
		req.Header.Set("If-Unmodified-Since", s.validator.lastModified)
	}
}

func (s *Source) defaultSourceID() string {
	switch {
	case s.validator.etag != "":
		return fmt.Sprintf("url:%s|etag:%s", s.url, s.validator.etag)
	case s.validator.lastModified != "":
		return fmt.Sprintf("url:%s|mod:%s|size:%d", s.url, s.validator.lastModified, s.size)
	default:
		return fmt.Sprintf("url:%s|size:%d", s.url, s.size)
	}
}

func validatorFrom(h nethttp.Header) validator {
	return validator{etag: h.Get("ETag"), lastModified: h.Get("Last-Modified")}
}

// rangeBody limits reads to the requested range and drains the response on
// Close so the connection can be reused.
type rangeBody struct {
	io.Reader
	body io.ReadCloser
}

func (r *rangeBody) Close() error {
	_, _ = io.Copy(io.Discard, r.body) //nolint:errcheck // best-effort drain for connection reuse
	return r.body.Close()
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// parseContentRange returns the complete length from a Content-Range value of
// the form "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
