//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pakt"
	"github.com/meigma/pakt/cache"
	pakthttp "github.com/meigma/pakt/http"
	"github.com/meigma/pakt/oci"
)

func TestRegistry_PushPull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := getRegistry(t)
	repo, _ := newRepository(t, addr, "push-pull")

	members := []member{
		{name: "a.txt", content: []byte("hi")},
		{name: "b.bin", content: []byte{0x00, 0x01, 0x02}},
		{name: "large/random.bin", content: randomContent(1 << 20)},
	}
	archive := buildArchive(t, members...)

	desc, err := oci.Push(ctx, repo, "v1", bytes.NewReader(archive), oci.WithTags("latest"))
	require.NoError(t, err)
	assert.Equal(t, oci.ArtifactType, desc.ArtifactType)

	for _, ref := range []string{"v1", "latest", desc.Digest.String()} {
		var buf bytes.Buffer
		_, err := oci.Pull(ctx, repo, ref, &buf)
		require.NoError(t, err, ref)
		assert.Equal(t, archive, buf.Bytes(), ref)
	}

	path := filepath.Join(t.TempDir(), "pulled.pakt")
	_, err = oci.PullFile(ctx, repo, "v1", path)
	require.NoError(t, err)

	f, err := pakt.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	for _, m := range members {
		got, err := f.ReadFile(m.name)
		require.NoError(t, err, m.name)
		assert.Equal(t, m.content, got, m.name)
	}
}

func TestRegistry_PushTwiceSkipsUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := getRegistry(t)
	repo, _ := newRepository(t, addr, "push-twice")

	archive := buildArchive(t, member{name: "x", content: []byte("y")})
	first, err := oci.Push(ctx, repo, "v1", bytes.NewReader(archive))
	require.NoError(t, err)
	second, err := oci.Push(ctx, repo, "v2", bytes.NewReader(archive))
	require.NoError(t, err)

	firstLayer, err := oci.ResolveLayer(ctx, repo, first.Digest.String())
	require.NoError(t, err)
	secondLayer, err := oci.ResolveLayer(ctx, repo, second.Digest.String())
	require.NoError(t, err)
	assert.Equal(t, firstLayer.Digest, secondLayer.Digest)
}

func TestRegistry_LazyOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := getRegistry(t)
	repo, ref := newRepository(t, addr, "lazy-open")

	big := randomContent(2 << 20)
	archive := buildArchive(t,
		member{name: "manifest.json", content: []byte(`{"files":2}`)},
		member{name: "blob.bin", content: big},
	)
	_, err := oci.Push(ctx, repo, "v1", bytes.NewReader(archive))
	require.NoError(t, err)

	layer, err := oci.ResolveLayer(ctx, repo, "v1")
	require.NoError(t, err)
	url, err := oci.BlobURL(ref, layer.Digest.String(), true)
	require.NoError(t, err)

	src, err := pakthttp.NewSource(ctx, url)
	require.NoError(t, err)
	require.Equal(t, int64(len(archive)), src.Size())

	bc, err := cache.NewBlockCache(64)
	require.NoError(t, err)
	cached, err := bc.Wrap(src)
	require.NoError(t, err)

	d, err := pakt.OpenSource(cached)
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest.json", "blob.bin"}, d.Names())

	small, err := d.ReadFile("manifest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":2}`, string(small))

	sec, err := d.Section("blob.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(sec)
	require.NoError(t, err)
	assert.Equal(t, big, got)
	assert.Positive(t, bc.Stats().Hits)
}

func TestRegistry_NotFound(t *testing.T) {
	t.Parallel()
	addr := getRegistry(t)
	repo, _ := newRepository(t, addr, "missing")

	_, err := oci.Pull(context.Background(), repo, "nope", io.Discard)
	require.ErrorIs(t, err, oci.ErrNotFound)
}
