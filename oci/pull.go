package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
)

// ResolveLayer resolves ref to an archive manifest and returns the
// descriptor of its archive layer.
//
// The manifest must be an OCI image manifest with artifact type ArtifactType
// and exactly one layer of MediaTypeArchive; anything else fails with
// ErrInvalidManifest.
func ResolveLayer(ctx context.Context, target oras.ReadOnlyTarget, ref string) (ocispec.Descriptor, error) {
	if ref == "" {
		return ocispec.Descriptor{}, fmt.Errorf("%w: reference is empty", ErrInvalidReference)
	}
	desc, err := target.Resolve(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %q: %w", ref, mapError(err))
	}
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Descriptor{}, fmt.Errorf("%w: unsupported media type %q", ErrInvalidManifest, desc.MediaType)
	}
	if desc.Size > maxManifestSize {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest is %d bytes", ErrInvalidManifest, desc.Size)
	}

	raw, err := content.FetchAll(ctx, target, desc)
	if err != nil {
		if errors.Is(err, content.ErrMismatchedDigest) || errors.Is(err, content.ErrTrailingData) {
			return ocispec.Descriptor{}, fmt.Errorf("%w: manifest: %w", ErrDigestMismatch, err)
		}
		return ocispec.Descriptor{}, fmt.Errorf("fetch manifest: %w", mapError(err))
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return archiveLayer(&manifest)
}

func archiveLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	if manifest.ArtifactType != ArtifactType {
		return ocispec.Descriptor{}, fmt.Errorf("%w: artifact type %q", ErrInvalidManifest, manifest.ArtifactType)
	}
	if len(manifest.Layers) != 1 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %d layers", ErrInvalidManifest, len(manifest.Layers))
	}
	layer := manifest.Layers[0]
	if layer.MediaType != MediaTypeArchive {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer media type %q", ErrInvalidManifest, layer.MediaType)
	}
	if err := layer.Digest.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer digest: %w", ErrInvalidManifest, err)
	}
	if layer.Size < 0 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer size %d", ErrInvalidManifest, layer.Size)
	}
	return layer, nil
}

// Pull resolves ref and streams its archive layer to w, verifying the layer
// digest and size. It returns the layer descriptor.
//
// On ErrDigestMismatch w has already received the unverified bytes; use
// PullFile to avoid keeping them.
func Pull(ctx context.Context, target oras.ReadOnlyTarget, ref string, w io.Writer, opts ...Option) (ocispec.Descriptor, error) {
	cfg := newConfig(opts)

	layer, err := ResolveLayer(ctx, target, ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	rc, err := target.Fetch(ctx, layer)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("fetch archive layer: %w", mapError(err))
	}
	defer rc.Close()

	verifier := layer.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(w, verifier), io.LimitReader(rc, layer.Size+1))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("copy archive layer: %w", err)
	}
	if n != layer.Size {
		return ocispec.Descriptor{}, fmt.Errorf("%w: got %d bytes, want %d", ErrDigestMismatch, n, layer.Size)
	}
	if !verifier.Verified() {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrDigestMismatch, layer.Digest)
	}

	cfg.log().Info("archive pulled", "ref", ref, "digest", layer.Digest, "size", layer.Size)
	return layer, nil
}

// PullFile pulls ref into the file at path.
//
// The layer is written to a temp file in the destination directory and
// renamed over path only after its digest has been verified.
func PullFile(ctx context.Context, target oras.ReadOnlyTarget, ref, path string, opts ...Option) (ocispec.Descriptor, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pakt-pull-*")
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()

	layer, err := Pull(ctx, target, ref, tmp, opts...)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ocispec.Descriptor{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ocispec.Descriptor{}, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ocispec.Descriptor{}, fmt.Errorf("rename archive: %w", err)
	}
	return layer, nil
}
