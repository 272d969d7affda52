package worker

import (
	"archive/tar"
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarOf builds a tar archive from name -> contents.
func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// fetchServer is a minimal broker artifact-fetcher endpoint for tests.
// serve handles exactly one connection per Accept with the given behavior.
func fetchServer(t *testing.T, handle func(t *testing.T, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				handle(t, conn)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func readFetchRequest(t *testing.T, conn net.Conn) protocol.ArtifactFetcherToBroker {
	t.Helper()
	var hello protocol.Hello
	require.NoError(t, wire.ReadMessage(conn, &hello))
	require.Equal(t, protocol.HelloArtifactFetcher, hello.Kind)
	var req protocol.ArtifactFetcherToBroker
	require.NoError(t, wire.ReadMessage(conn, &req))
	return req
}

func TestFetcherDownloadsAndExtractsArtifact(t *testing.T) {
	archive := tarOf(t, map[string]string{"bin/test": "#!/bin/sh\nexit 0\n", "etc/conf": "x=1\n"})

	addr := fetchServer(t, func(t *testing.T, conn net.Conn) {
		readFetchRequest(t, conn)
		require.NoError(t, wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{}))
		chunks := wire.NewChunkWriter(conn, 64)
		enc, err := zstd.NewWriter(chunks)
		require.NoError(t, err)
		_, err = enc.Write(archive)
		require.NoError(t, err)
		require.NoError(t, enc.Close())
		require.NoError(t, chunks.Finish())
	})

	f := &brokerFetcher{addr: addr, maxRetries: 1}
	dest := filepath.Join(t.TempDir(), "entry")
	size, err := f.Fetch(digest.FromBytes(archive), jobspec.ArtifactTar, dest)
	require.NoError(t, err)
	assert.Positive(t, size)

	got, err := os.ReadFile(filepath.Join(dest, "bin/test"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nexit 0\n", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "etc/conf"))
	require.NoError(t, err)
	assert.Equal(t, "x=1\n", string(got))
}

func TestFetcherFailsOnTruncatedStream(t *testing.T) {
	archive := tarOf(t, map[string]string{"f": "data"})

	addr := fetchServer(t, func(t *testing.T, conn net.Conn) {
		readFetchRequest(t, conn)
		require.NoError(t, wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{}))
		chunks := wire.NewChunkWriter(conn, 1<<20)
		enc, err := zstd.NewWriter(chunks)
		require.NoError(t, err)
		_, err = enc.Write(archive)
		require.NoError(t, err)
		require.NoError(t, enc.Close())
		// Flush the data but never write the zero-length terminator.
		require.NoError(t, chunks.Flush())
	})

	f := &brokerFetcher{addr: addr, maxRetries: 2}
	dest := filepath.Join(t.TempDir(), "entry")
	_, err := f.Fetch(digest.FromBytes(archive), jobspec.ArtifactTar, dest)
	require.Error(t, err)
	assert.NoDirExists(t, dest)
	assert.NoDirExists(t, dest+".partial")
}

func TestFetcherSurfacesBrokerRejectionWithoutRetry(t *testing.T) {
	attempts := 0
	addr := fetchServer(t, func(t *testing.T, conn net.Conn) {
		attempts++
		readFetchRequest(t, conn)
		require.NoError(t, wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{Error: "no artifact found for digest"}))
	})

	f := &brokerFetcher{addr: addr, maxRetries: 3}
	_, err := f.Fetch(digest.FromBytes([]byte("nope")), jobspec.ArtifactTar, filepath.Join(t.TempDir(), "entry"))
	require.ErrorIs(t, err, ErrBrokerRejected)
	assert.Equal(t, 1, attempts)
}

func TestFetcherWritesManifestAsSingleFile(t *testing.T) {
	layers := []jobspec.LayerSpec{
		{Digest: digest.FromBytes([]byte("a")), Kind: jobspec.ArtifactTar},
		{Digest: digest.FromBytes([]byte("b")), Kind: jobspec.ArtifactManifestV1},
	}
	var body bytes.Buffer
	require.NoError(t, jobspec.EncodeManifest(&body, layers))

	addr := fetchServer(t, func(t *testing.T, conn net.Conn) {
		readFetchRequest(t, conn)
		require.NoError(t, wire.WriteMessage(conn, protocol.BrokerToArtifactFetcher{}))
		chunks := wire.NewChunkWriter(conn, 1<<20)
		enc, err := zstd.NewWriter(chunks)
		require.NoError(t, err)
		_, err = enc.Write(body.Bytes())
		require.NoError(t, err)
		require.NoError(t, enc.Close())
		require.NoError(t, chunks.Finish())
	})

	f := &brokerFetcher{addr: addr, maxRetries: 1}
	dest := filepath.Join(t.TempDir(), "entry")
	_, err := f.Fetch(digest.FromBytes([]byte("manifest")), jobspec.ArtifactManifestV1, dest)
	require.NoError(t, err)

	got, err := os.Open(dest)
	require.NoError(t, err)
	defer got.Close()
	decoded, err := jobspec.DecodeManifest(got)
	require.NoError(t, err)
	assert.Equal(t, layers, decoded)
}

func TestExtractTarRefusesPathEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	require.NoError(t, extractTar(&buf, dest))

	// The cleaned path lands inside dest, never beside it.
	assert.FileExists(t, filepath.Join(dest, "escape"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape"))
}
