package worker

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// fetchRetries bounds how many fresh connections a single artifact fetch
// may use before the failure surfaces to the job owner. Fetches are
// idempotent by digest, so retrying is always safe.
const fetchRetries = 3

// ErrBrokerRejected wraps the broker's explicit refusal to serve a digest.
// It is terminal: retrying won't make an unregistered digest appear.
var ErrBrokerRejected = errors.New("worker: broker rejected artifact fetch")

// brokerFetcher fills worker cache misses by opening a transient broker
// connection in the artifact-fetcher role.
type brokerFetcher struct {
	addr       string
	maxRetries int
}

// Fetch downloads and extracts one artifact into destDir, returning the
// compressed transfer size recorded for the cache's byte accounting.
func (f *brokerFetcher) Fetch(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		size, err := f.fetchOnce(d, kind, destDir)
		if err == nil {
			return size, nil
		}
		if errors.Is(err, ErrBrokerRejected) {
			return 0, err
		}
		lastErr = err
		log.Logger.Warn().Err(err).Str("digest", d.String()).Int("attempt", attempt+1).Msg("worker: artifact fetch failed, retrying")
	}
	return 0, fmt.Errorf("worker: artifact unavailable after %d attempts: %w", f.maxRetries, lastErr)
}

func (f *brokerFetcher) fetchOnce(d digest.Digest, kind jobspec.ArtifactKind, destDir string) (int64, error) {
	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		return 0, fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, protocol.Hello{Kind: protocol.HelloArtifactFetcher}); err != nil {
		return 0, fmt.Errorf("sending hello: %w", err)
	}
	if err := wire.WriteMessage(conn, protocol.ArtifactFetcherToBroker{Digest: d, Kind: kind}); err != nil {
		return 0, fmt.Errorf("sending fetch request: %w", err)
	}

	var reply protocol.BrokerToArtifactFetcher
	if err := wire.ReadMessage(conn, &reply); err != nil {
		return 0, fmt.Errorf("reading fetch reply: %w", err)
	}
	if !reply.OK() {
		return 0, fmt.Errorf("%w: %s", ErrBrokerRejected, reply.Error)
	}

	chunks := &countingReader{inner: wire.NewChunkReader(conn)}
	decoder, err := zstd.NewReader(chunks)
	if err != nil {
		return 0, fmt.Errorf("opening decompressor: %w", err)
	}
	defer decoder.Close()

	switch kind {
	case jobspec.ArtifactManifestV1:
		if err := f.writeManifest(decoder, destDir); err != nil {
			return 0, err
		}
	default:
		if err := f.extractTarInto(decoder, destDir); err != nil {
			return 0, err
		}
	}

	// Drain the remaining stream so a missing zero-length terminator is
	// detected as truncation rather than silently accepted; the entry just
	// committed is removed again.
	if _, err := io.Copy(io.Discard, chunks); err != nil {
		os.RemoveAll(destDir)
		return 0, fmt.Errorf("artifact stream truncated: %w", err)
	}

	return chunks.n, nil
}

// extractTarInto unpacks decoder as a tar stream into a fresh directory at
// destDir, first extracting beside it so a crashed fetch never leaves a
// half-populated cache entry at the final path.
func (f *brokerFetcher) extractTarInto(decoder io.Reader, destDir string) error {
	tmpDir := destDir + ".partial"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("clearing stale partial dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("creating extraction dir: %w", err)
	}
	if err := extractTar(decoder, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("extracting artifact: %w", err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("committing cache entry: %w", err)
	}
	return nil
}

// writeManifest copies decoder, a manifest record stream, to a single file
// at destDir. A manifest artifact names further digests rather than
// unpacking to a directory, so it is cached as one file and read back with
// jobspec.DecodeManifest.
func (f *brokerFetcher) writeManifest(decoder io.Reader, destDir string) error {
	tmpFile := destDir + ".partial"
	if err := os.Remove(tmpFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stale partial manifest: %w", err)
	}
	out, err := os.OpenFile(tmpFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating manifest file: %w", err)
	}
	if _, err := io.Copy(out, decoder); err != nil {
		out.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("closing manifest file: %w", err)
	}
	if err := os.Rename(tmpFile, destDir); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("committing manifest cache entry: %w", err)
	}
	return nil
}

type countingReader struct {
	inner io.Reader
	n     int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.n += int64(n)
	return n, err
}

// extractTar unpacks a tar stream under dest, refusing entries that would
// escape it.
func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(dest, filepath.Clean("/"+hdr.Linkname)), target); err != nil {
				return err
			}
		default:
			// Character/block devices and FIFOs have no place in a job
			// layer; skip them rather than fail the whole artifact.
			log.Logger.Debug().Str("name", hdr.Name).Uint8("type", hdr.Typeflag).Msg("worker: skipping unsupported tar entry")
		}
	}
}
