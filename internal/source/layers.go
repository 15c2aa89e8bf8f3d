// ABOUTME: Candidate layer ranking and WebAssembly decoding for OCI artifacts.
// ABOUTME: Raw wasm beats compressed tar beats plain tar; unknown media types are excluded.

package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/2389/wasmgate/internal/transfer"
)

// Media types beyond the OCI spec constants that registries commonly emit.
const (
	mediaTypeWasm          = "application/wasm"
	mediaTypeWasmLayer     = "application/vnd.wasm.content.layer.v1+wasm"
	mediaTypeDockerTarGzip = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	mediaTypeDockerTar     = "application/vnd.docker.image.rootfs.diff.tar"
)

// wasmMagic is the WebAssembly binary magic header, used as a last-resort
// content sniff for mislabeled layers.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"

// errNoWasmEntry indicates a tar archive containing no .wasm member.
var errNoWasmEntry = errors.New("no .wasm entry in archive")

// Priority tiers for candidate layers. Raw wasm avoids archive parsing
// entirely; compressed archives rank above plain ones only as a transfer-size
// signal. Ranking picks the first plausible candidate deterministically.
type layerPriority int

const (
	priorityRawWasm layerPriority = iota
	priorityCompressedTar
	priorityPlainTar
)

// candidate is a layer judged plausible to contain the wasm payload.
type candidate struct {
	desc     ocispec.Descriptor
	priority layerPriority
	index    int // original manifest position, the tie-break
}

// classifyLayer maps a media type to a priority tier. Unrecognized media
// types are not candidates at all.
func classifyLayer(mediaType string) (layerPriority, bool) {
	switch mediaType {
	case mediaTypeWasm, mediaTypeWasmLayer:
		return priorityRawWasm, true
	case ocispec.MediaTypeImageLayerGzip, ocispec.MediaTypeImageLayerZstd, mediaTypeDockerTarGzip:
		return priorityCompressedTar, true
	case ocispec.MediaTypeImageLayer, mediaTypeDockerTar:
		return priorityPlainTar, true
	default:
		return 0, false
	}
}

// rankLayers orders the manifest's layers into candidate order: by priority
// tier, then by original manifest position so ties stay stable.
func rankLayers(layers []ocispec.Descriptor) []candidate {
	candidates := make([]candidate, 0, len(layers))
	for i, desc := range layers {
		priority, ok := classifyLayer(desc.MediaType)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{desc: desc, priority: priority, index: i})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].priority != candidates[b].priority {
			return candidates[a].priority < candidates[b].priority
		}
		return candidates[a].index < candidates[b].index
	})
	return candidates
}

// decodeWasm extracts a WebAssembly module from a verified blob according to
// the candidate's media-type tier.
func decodeWasm(cand candidate, blob []byte, capBytes int64) ([]byte, error) {
	switch cand.priority {
	case priorityRawWasm:
		if int64(len(blob)) > capBytes {
			return nil, fmt.Errorf("%w: raw module is %d bytes", transfer.ErrCapExceeded, len(blob))
		}
		return blob, nil

	case priorityCompressedTar:
		reader, err := decompressor(cand.desc.MediaType, bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return extractWasmFromTar(reader, capBytes)

	case priorityPlainTar:
		module, err := extractWasmFromTar(bytes.NewReader(blob), capBytes)
		if errors.Is(err, errNoWasmEntry) || isTarCorrupt(err) {
			// Tolerate mislabeled layers that are actually raw modules.
			if bytes.HasPrefix(blob, wasmMagic) {
				if int64(len(blob)) > capBytes {
					return nil, fmt.Errorf("%w: raw module is %d bytes", transfer.ErrCapExceeded, len(blob))
				}
				return blob, nil
			}
		}
		return module, err

	default:
		return nil, fmt.Errorf("unranked candidate media type %q", cand.desc.MediaType)
	}
}

// decompressor returns a streaming reader for the layer's compression envelope.
func decompressor(mediaType string, r io.Reader) (io.ReadCloser, error) {
	switch mediaType {
	case ocispec.MediaTypeImageLayerGzip, mediaTypeDockerTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return gz, nil
	case ocispec.MediaTypeImageLayerZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("no decompressor for media type %q", mediaType)
	}
}

// extractWasmFromTar scans the archive for the first regular entry with a
// .wasm extension (case-insensitive) and streams it through a capped sink.
func extractWasmFromTar(r io.Reader, capBytes int64) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errNoWasmEntry
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if !strings.EqualFold(filepath.Ext(header.Name), ".wasm") {
			continue
		}

		sink := transfer.NewSink(capBytes)
		if _, err := io.Copy(sink, tr); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		return sink.Bytes(), nil
	}
}

// isTarCorrupt reports whether the error came from tar framing rather than
// the extraction itself.
func isTarCorrupt(err error) bool {
	return errors.Is(err, tar.ErrHeader) || errors.Is(err, io.ErrUnexpectedEOF)
}
