// Package oci publishes and fetches pakt archives as OCI artifacts.
//
// An archive is stored as a single layer of an OCI image manifest whose
// artifact type is ArtifactType. Any oras.Target works: a remote registry
// from NewRepository, an OCI layout directory, or an in-memory store.
//
//	repo, _ := oci.NewRepository("ghcr.io/acme/assets", oci.WithDockerConfig())
//	desc, _ := oci.Push(ctx, repo, "v1", io.NewSectionReader(f, 0, size))
//	_, _ = oci.PullFile(ctx, repo, "v1", "assets.pakt")
package oci

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Media types for pakt archives in OCI registries.
const (
	// ArtifactType identifies pakt archives as an OCI 1.1 artifact type.
	ArtifactType = "application/vnd.meigma.pakt.v1"

	// MediaTypeArchive is the media type of the archive layer.
	MediaTypeArchive = "application/vnd.meigma.pakt.archive.v1"

	// AnnotationMembers records the archive's member count on the manifest.
	AnnotationMembers = "dev.meigma.pakt.members"
)

// maxManifestSize bounds manifests read during Pull.
const maxManifestSize = 4 << 20

// Sentinel errors.
var (
	// ErrNotFound is returned when the reference or a blob does not exist.
	ErrNotFound = errors.New("oci: not found")

	// ErrInvalidReference is returned when a reference or tag is malformed.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrInvalidManifest is returned when a manifest does not describe a
	// pakt archive.
	ErrInvalidManifest = errors.New("oci: invalid archive manifest")

	// ErrDigestMismatch is returned when fetched content does not match its
	// descriptor.
	ErrDigestMismatch = errors.New("oci: digest mismatch")

	// ErrUnauthorized is returned when the registry rejects the credentials.
	ErrUnauthorized = errors.New("oci: unauthorized")

	// ErrForbidden is returned when the credentials lack permission.
	ErrForbidden = errors.New("oci: forbidden")
)

// Option configures Push, Pull, and PullFile.
type Option func(*config)

type config struct {
	annotations map[string]string
	tags        []string
	logger      *slog.Logger
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// WithLogger sets the logger used for push and pull events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithAnnotations adds manifest annotations on Push. Keys set here override
// the defaults, including the creation time.
func WithAnnotations(annotations map[string]string) Option {
	return func(c *config) {
		if c.annotations == nil {
			c.annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			c.annotations[k] = v
		}
	}
}

// WithTags applies additional tags to the pushed manifest.
func WithTags(tags ...string) Option {
	return func(c *config) {
		c.tags = append(c.tags, tags...)
	}
}

// mapError maps ORAS errors to the package's sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
	}
	return err
}
