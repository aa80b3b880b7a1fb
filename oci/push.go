package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"

	"github.com/meigma/pakt"
)

// Push stores the archive in src as an OCI artifact tagged tag and returns
// the manifest descriptor.
//
// The archive header and table are validated before anything is uploaded.
// The archive is pushed as one layer next to the empty JSON config, then an
// image manifest referencing both is pushed and tagged. Blobs the target
// already holds are not uploaded again.
func Push(ctx context.Context, target oras.Target, tag string, src pakt.ByteSource, opts ...Option) (ocispec.Descriptor, error) {
	cfg := newConfig(opts)
	if err := validateTag(tag); err != nil {
		return ocispec.Descriptor{}, err
	}
	for _, extra := range cfg.tags {
		if err := validateTag(extra); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	d, err := pakt.OpenSource(src)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("validate archive: %w", err)
	}

	layer, err := layerDescriptor(src)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := pushBlob(ctx, target, layer, io.NewSectionReader(src, 0, src.Size())); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push archive layer: %w", err)
	}
	cfg.log().Debug("archive layer pushed", "digest", layer.Digest, "size", layer.Size)

	if err := pushBlob(ctx, target, ocispec.DescriptorEmptyJSON, bytes.NewReader(ocispec.DescriptorEmptyJSON.Data)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push config: %w", err)
	}

	manifest := buildManifest(layer, d.TotalFiles(), cfg.annotations)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	desc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, manifestJSON)
	desc.ArtifactType = ArtifactType
	if err := pushBlob(ctx, target, desc, bytes.NewReader(manifestJSON)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push manifest: %w", err)
	}

	for _, t := range append([]string{tag}, cfg.tags...) {
		if err := target.Tag(ctx, desc, t); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("tag %q: %w", t, mapError(err))
		}
	}

	cfg.log().Info("archive pushed", "tag", tag, "manifest", desc.Digest, "members", d.TotalFiles())
	return desc, nil
}

// layerDescriptor streams src once to compute its digest.
func layerDescriptor(src pakt.ByteSource) (ocispec.Descriptor, error) {
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), io.NewSectionReader(src, 0, src.Size())); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("digest archive: %w", err)
	}
	return ocispec.Descriptor{
		MediaType: MediaTypeArchive,
		Digest:    digester.Digest(),
		Size:      src.Size(),
	}, nil
}

// pushBlob uploads r unless the target already has desc.
func pushBlob(ctx context.Context, target oras.Target, desc ocispec.Descriptor, r io.Reader) error {
	exists, err := target.Exists(ctx, desc)
	if err != nil {
		return mapError(err)
	}
	if exists {
		return nil
	}
	if err := target.Push(ctx, desc, r); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapError(err)
	}
	return nil
}

// buildManifest creates the image manifest for an archive layer.
func buildManifest(layer ocispec.Descriptor, members uint32, custom map[string]string) ocispec.Manifest {
	annotations := map[string]string{
		ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
		AnnotationMembers:         strconv.FormatUint(uint64(members), 10),
	}
	maps.Copy(annotations, custom)

	return ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       ocispec.DescriptorEmptyJSON,
		Layers:       []ocispec.Descriptor{layer},
		Annotations:  annotations,
	}
}

func validateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag is empty", ErrInvalidReference)
	}
	ref := registry.Reference{Reference: tag}
	if err := ref.ValidateReferenceAsTag(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	return nil
}
