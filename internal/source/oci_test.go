// ABOUTME: Tests for the OCI pull path: ordering, size caps, digest verification.
// ABOUTME: Uses an in-memory repository double instead of a live registry.

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/transfer"
)

// fakeRepository serves a fixed manifest and blob set, recording fetch order.
type fakeRepository struct {
	manifest []byte
	blobs    map[digest.Digest][]byte
	fetched  []digest.Digest
}

func (f *fakeRepository) fetchManifest(_ context.Context, _ string) ([]byte, error) {
	if f.manifest == nil {
		return nil, errors.New("manifest not found")
	}
	return f.manifest, nil
}

func (f *fakeRepository) fetchBlob(_ context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	f.fetched = append(f.fetched, desc.Digest)
	blob, ok := f.blobs[desc.Digest]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

// layerFor builds a descriptor whose size and digest match the blob.
func layerFor(mediaType string, blob []byte) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Size:      int64(len(blob)),
		Digest:    digest.FromBytes(blob),
	}
}

// manifestWith serializes an image manifest carrying the given layers.
func manifestWith(t *testing.T, layers ...ocispec.Descriptor) []byte {
	t.Helper()
	data, err := json.Marshal(ocispec.Manifest{Layers: layers})
	require.NoError(t, err)
	return data
}

// ociHandlerWith wires an OCI handler to a fake repository.
func ociHandlerWith(fake *fakeRepository) *OCIHandler {
	h := NewOCIHandler(slog.Default())
	h.newRepository = func(registry.Reference, config.Plugin) (ociRepository, error) {
		return fake, nil
	}
	return h
}

func testDecl(source string) config.Plugin {
	return config.Plugin{Name: "p", Source: source}
}

func TestOCIPull(t *testing.T) {
	module := fakeModule("payload")

	t.Run("raw wasm layer round trip", func(t *testing.T) {
		fake := &fakeRepository{
			manifest: manifestWith(t, layerFor(mediaTypeWasm, module)),
			blobs:    map[digest.Digest][]byte{digest.FromBytes(module): module},
		}
		h := ociHandlerWith(fake)

		out, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.NoError(t, err)
		assert.Equal(t, module, out)
	})

	t.Run("candidates tried strictly in rank order", func(t *testing.T) {
		// Every blob is served with mismatched content so verification fails
		// and the handler keeps walking; the fetch order is the ranking.
		plain := []byte("plain-tar-bytes")
		raw := []byte("raw-wasm-bytes")
		gz := []byte("gzip-tar-bytes")
		layers := []ocispec.Descriptor{
			layerFor(ocispec.MediaTypeImageLayer, plain),
			layerFor(mediaTypeWasm, raw),
			layerFor(ocispec.MediaTypeImageLayerGzip, gz),
		}
		fake := &fakeRepository{
			manifest: manifestWith(t, layers...),
			blobs: map[digest.Digest][]byte{
				digest.FromBytes(plain): []byte("tampered-1"),
				digest.FromBytes(raw):   []byte("tampered-2"),
				digest.FromBytes(gz):    []byte("tampered-3"),
			},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)

		require.Len(t, fake.fetched, 3)
		assert.Equal(t, digest.FromBytes(raw), fake.fetched[0], "raw wasm first")
		assert.Equal(t, digest.FromBytes(gz), fake.fetched[1], "gzip tar second")
		assert.Equal(t, digest.FromBytes(plain), fake.fetched[2], "plain tar last")
	})

	t.Run("digest mismatch rejects the layer", func(t *testing.T) {
		tampered := append(append([]byte{}, module...), 0xFF)
		desc := ocispec.Descriptor{
			MediaType: mediaTypeWasm,
			Size:      int64(len(tampered)),
			Digest:    digest.FromBytes(module), // digest of the untampered bytes
		}
		fake := &fakeRepository{
			manifest: manifestWith(t, desc),
			blobs:    map[digest.Digest][]byte{desc.Digest: tampered},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDigestMismatch))
	})

	t.Run("single flipped byte causes rejection", func(t *testing.T) {
		flipped := append([]byte{}, module...)
		flipped[len(flipped)-1] ^= 0x01
		desc := layerFor(mediaTypeWasm, module)
		fake := &fakeRepository{
			manifest: manifestWith(t, desc),
			blobs:    map[digest.Digest][]byte{desc.Digest: flipped},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDigestMismatch) || errors.Is(err, ErrSizeMismatch))
	})

	t.Run("declared size over cap rejected before any fetch", func(t *testing.T) {
		desc := layerFor(mediaTypeWasm, module)
		desc.Size = transfer.DefaultCap + 1
		fake := &fakeRepository{
			manifest: manifestWith(t, desc),
			blobs:    map[digest.Digest][]byte{desc.Digest: module},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, transfer.ErrCapExceeded))
		assert.Empty(t, fake.fetched, "no byte should be fetched for an over-cap descriptor")
	})

	t.Run("stream longer than declared size rejected", func(t *testing.T) {
		desc := layerFor(mediaTypeWasm, module)
		desc.Size = int64(len(module)) - 1 // descriptor lies small
		desc.Digest = digest.FromBytes(module)
		fake := &fakeRepository{
			manifest: manifestWith(t, desc),
			blobs:    map[digest.Digest][]byte{desc.Digest: module},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSizeMismatch))
	})

	t.Run("non-sha256 digest unsupported", func(t *testing.T) {
		desc := ocispec.Descriptor{
			MediaType: mediaTypeWasm,
			Size:      int64(len(module)),
			Digest:    digest.SHA512.FromBytes(module),
		}
		fake := &fakeRepository{
			manifest: manifestWith(t, desc),
			blobs:    map[digest.Digest][]byte{desc.Digest: module},
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedDigest))
		assert.Empty(t, fake.fetched)
	})

	t.Run("manifest without layers fails", func(t *testing.T) {
		fake := &fakeRepository{manifest: manifestWith(t)}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoLayers))
	})

	t.Run("only unrecognized media types fails", func(t *testing.T) {
		fake := &fakeRepository{
			manifest: manifestWith(t, layerFor("application/octet-stream", module)),
		}
		h := ociHandlerWith(fake)

		_, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoCandidateLayers))
	})

	t.Run("bad image reference fails without repository", func(t *testing.T) {
		h := ociHandlerWith(&fakeRepository{})
		_, err := h.pull(context.Background(), testDecl("oci://not a valid ref"))
		require.Error(t, err)
	})

	t.Run("gzip candidate succeeds after raw candidate fails", func(t *testing.T) {
		rawBytes := []byte("raw-but-tampered")
		gzBlob := gzipped(t, tarWith(t, map[string][]byte{"p.wasm": module}))
		rawDesc := layerFor(mediaTypeWasm, rawBytes)
		gzDesc := layerFor(ocispec.MediaTypeImageLayerGzip, gzBlob)
		fake := &fakeRepository{
			manifest: manifestWith(t, gzDesc, rawDesc),
			blobs: map[digest.Digest][]byte{
				rawDesc.Digest: []byte("tampered"),
				gzDesc.Digest:  gzBlob,
			},
		}
		h := ociHandlerWith(fake)

		out, err := h.pull(context.Background(), testDecl("oci://ghcr.io/example/p:v1"))
		require.NoError(t, err)
		assert.Equal(t, module, out)
	})
}

func TestResolveCredential(t *testing.T) {
	h := NewOCIHandler(slog.Default())

	t.Run("nil auth is anonymous", func(t *testing.T) {
		cred := h.resolveCredential(config.Plugin{Name: "p"})
		assert.Equal(t, auth.EmptyCredential, cred)
	})

	t.Run("bearer token", func(t *testing.T) {
		cred := h.resolveCredential(config.Plugin{Name: "p", Auth: &config.Auth{Token: "tok"}})
		assert.Equal(t, "tok", cred.AccessToken)
	})

	t.Run("basic credentials", func(t *testing.T) {
		cred := h.resolveCredential(config.Plugin{Name: "p", Auth: &config.Auth{Username: "u", Password: "pw"}})
		assert.Equal(t, "u", cred.Username)
		assert.Equal(t, "pw", cred.Password)
	})

	t.Run("empty credentials degrade to anonymous", func(t *testing.T) {
		cred := h.resolveCredential(config.Plugin{Name: "p", Auth: &config.Auth{}})
		assert.Equal(t, auth.EmptyCredential, cred)
	})

	t.Run("half-filled basic credentials degrade to anonymous", func(t *testing.T) {
		cred := h.resolveCredential(config.Plugin{Name: "p", Auth: &config.Auth{Username: "u"}})
		assert.Equal(t, auth.EmptyCredential, cred)
	})
}
