// ABOUTME: OCI source handler: pulls container artifacts and extracts wasm modules.
// ABOUTME: Candidate layers are downloaded size-capped and verified by sha256 digest.

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
	"github.com/2389/wasmgate/internal/transfer"
)

// ociScheme is the custom prefix stripped before parsing the image reference.
const ociScheme = "oci://"

// ErrNoLayers indicates an artifact manifest without any layer descriptors.
var ErrNoLayers = errors.New("artifact has no layers")

// ErrNoCandidateLayers indicates no layer media type was recognized.
var ErrNoCandidateLayers = errors.New("artifact has no candidate layers")

// ErrSizeMismatch indicates a blob whose length differs from its descriptor.
var ErrSizeMismatch = errors.New("blob size mismatch")

// ErrDigestMismatch indicates a blob failing its descriptor's digest.
var ErrDigestMismatch = errors.New("blob digest mismatch")

// ErrUnsupportedDigest indicates a descriptor digest not using sha256.
var ErrUnsupportedDigest = errors.New("unsupported digest algorithm")

// ociRepository is the slice of the remote repository surface the handler
// needs; *remote.Repository satisfies it through its stores.
type ociRepository interface {
	fetchManifest(ctx context.Context, reference string) ([]byte, error)
	fetchBlob(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error)
}

// OCIHandler serves the oci source scheme.
type OCIHandler struct {
	logger  *slog.Logger
	blobCap int64

	// newRepository builds the remote client for a parsed reference.
	newRepository func(ref registry.Reference, decl config.Plugin) (ociRepository, error)
}

// NewOCIHandler creates an OCI handler with the default byte cap and remote client.
func NewOCIHandler(logger *slog.Logger) *OCIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &OCIHandler{
		logger:  logger,
		blobCap: transfer.DefaultCap,
	}
	h.newRepository = h.remoteRepository
	return h
}

// Get pulls the artifact, extracts a wasm module from the best candidate
// layer, and loads it into the sandbox. The raw module bytes and original
// source URL ride along in the result for downstream persistence.
func (h *OCIHandler) Get(ctx context.Context, decl config.Plugin) (*plugins.LoadResult, error) {
	moduleBytes, err := h.pull(ctx, decl)
	if err != nil {
		return nil, err
	}

	result, err := finishLoad(ctx, decl, moduleBytes, h.logger)
	if err != nil {
		return nil, err
	}
	result.RawBytes = moduleBytes
	result.SourceURL = decl.Source
	return result, nil
}

// pull retrieves the artifact manifest and walks candidate layers in rank
// order until one yields a verified wasm module.
func (h *OCIHandler) pull(ctx context.Context, decl config.Plugin) ([]byte, error) {
	reference := strings.TrimPrefix(decl.Source, ociScheme)
	ref, err := registry.ParseReference(reference)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: parsing image reference %s: %w", decl.Name, sanitizeURL(decl.Source), err)
	}

	repo, err := h.newRepository(ref, decl)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: building registry client: %w", decl.Name, err)
	}

	manifestBytes, err := repo.fetchManifest(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: pulling manifest %s: %w", decl.Name, sanitizeURL(decl.Source), err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("plugin %q: decoding manifest: %w", decl.Name, err)
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("plugin %q: %w", decl.Name, ErrNoLayers)
	}

	candidates := rankLayers(manifest.Layers)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("plugin %q: %w", decl.Name, ErrNoCandidateLayers)
	}

	var lastErr error
	for _, cand := range candidates {
		blob, err := h.fetchAndVerify(ctx, repo, cand.desc)
		if err != nil {
			h.logger.Warn("candidate layer rejected",
				"plugin", decl.Name,
				"media_type", cand.desc.MediaType,
				"digest", cand.desc.Digest.String(),
				"error", err,
			)
			lastErr = err
			continue
		}

		module, err := decodeWasm(cand, blob, h.blobCap)
		if err != nil {
			h.logger.Warn("candidate layer failed to decode",
				"plugin", decl.Name,
				"media_type", cand.desc.MediaType,
				"error", err,
			)
			lastErr = err
			continue
		}

		h.logger.Debug("wasm module extracted",
			"plugin", decl.Name,
			"media_type", cand.desc.MediaType,
			"module_bytes", len(module),
		)
		return module, nil
	}

	return nil, fmt.Errorf("plugin %q: no candidate layer yielded a wasm module: %w", decl.Name, lastErr)
}

// fetchAndVerify downloads a candidate blob through the bounded sink and
// checks declared size and sha256 digest before any decoding happens.
func (h *OCIHandler) fetchAndVerify(ctx context.Context, repo ociRepository, desc ocispec.Descriptor) ([]byte, error) {
	if desc.Size > h.blobCap {
		return nil, fmt.Errorf("blob fetch: declared size %d exceeds cap %d: %w", desc.Size, h.blobCap, transfer.ErrCapExceeded)
	}
	if desc.Digest.Algorithm() != digest.SHA256 {
		return nil, fmt.Errorf("digest check: %w: %s", ErrUnsupportedDigest, desc.Digest.Algorithm())
	}
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("digest check: invalid digest %q: %w", desc.Digest, err)
	}

	rc, err := repo.fetchBlob(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("blob fetch: %w", err)
	}
	defer rc.Close()

	sink := transfer.NewSink(h.blobCap)
	if _, err := io.Copy(sink, rc); err != nil {
		return nil, fmt.Errorf("blob fetch: %w", err)
	}

	if sink.Len() != desc.Size {
		return nil, fmt.Errorf("size check: %w: got %d bytes, descriptor declares %d", ErrSizeMismatch, sink.Len(), desc.Size)
	}
	if computed := digest.FromBytes(sink.Bytes()); computed != desc.Digest {
		return nil, fmt.Errorf("digest check: %w: computed %s, descriptor declares %s", ErrDigestMismatch, computed, desc.Digest)
	}

	return sink.Bytes(), nil
}

// remoteRepository builds the oras remote client for a reference, resolving
// the declaration's credential variant and transport policy.
func (h *OCIHandler) remoteRepository(ref registry.Reference, decl config.Plugin) (ociRepository, error) {
	repo := &remote.Repository{Reference: ref}

	// Plaintext registry access is opt-in per plugin.
	repo.PlainHTTP = decl.Insecure

	credential := h.resolveCredential(decl)
	if decl.Insecure && !decl.Auth.Anonymous() {
		h.logger.Warn("sending credentials over insecure transport",
			"plugin", decl.Name,
			"registry", ref.Registry,
		)
	}

	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Header:     map[string][]string{"User-Agent": {userAgent}},
		Credential: auth.StaticCredential(ref.Registry, credential),
	}

	return &orasRepository{repo: repo}, nil
}

// resolveCredential maps the declaration's auth variant onto an oras
// credential. Empty bearer/basic credentials degrade to anonymous with a
// warning: public artifacts stay pullable even when the config templated an
// unset environment variable.
func (h *OCIHandler) resolveCredential(decl config.Plugin) auth.Credential {
	a := decl.Auth
	if a == nil {
		return auth.EmptyCredential
	}

	switch {
	case a.Token != "":
		return auth.Credential{AccessToken: a.Token}
	case a.Username != "" && a.Password != "":
		return auth.Credential{Username: a.Username, Password: a.Password}
	case a.Username != "" || a.Password != "":
		h.logger.Warn("incomplete basic credentials, degrading to anonymous", "plugin", decl.Name)
		return auth.EmptyCredential
	default:
		h.logger.Warn("empty credentials, degrading to anonymous", "plugin", decl.Name)
		return auth.EmptyCredential
	}
}

// orasRepository adapts *remote.Repository to the handler's narrow interface.
type orasRepository struct {
	repo *remote.Repository
}

func (o *orasRepository) fetchManifest(ctx context.Context, reference string) ([]byte, error) {
	_, rc, err := o.repo.Manifests().FetchReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// Manifests are small; cap well below the blob limit.
	sink := transfer.NewSink(4 << 20)
	if _, err := io.Copy(sink, rc); err != nil {
		return nil, err
	}
	return sink.Bytes(), nil
}

func (o *orasRepository) fetchBlob(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	return o.repo.Blobs().Fetch(ctx, desc)
}
