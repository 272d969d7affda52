package client

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker accepts one client connection and lets the test script the
// broker side of the conversation.
type fakeBroker struct {
	addr  string
	conns chan net.Conn
}

func startFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fb := &fakeBroker{addr: ln.Addr().String(), conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var hello protocol.Hello
		if err := wire.ReadMessage(conn, &hello); err != nil {
			return
		}
		fb.conns <- conn
	}()
	return fb
}

func (fb *fakeBroker) clientConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func readClientMsg(t *testing.T, conn net.Conn) protocol.ClientToBroker {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ClientToBroker
	require.NoError(t, wire.ReadMessage(conn, &msg))
	return msg
}

func TestAddJobAndAwaitOutcome(t *testing.T) {
	fb := startFakeBroker(t)
	c, err := New(fb.addr)
	require.NoError(t, err)
	defer c.Close()

	spec := &jobspec.JobSpec{Program: "/bin/true"}
	jid, err := c.AddJob(spec)
	require.NoError(t, err)

	conn := fb.clientConn(t)
	req := readClientMsg(t, conn)
	require.Equal(t, protocol.ClientToBrokerJobRequest, req.Kind)
	assert.Equal(t, jid, req.JobId)
	assert.Equal(t, "/bin/true", req.Spec.Program)

	want := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0}, jobspec.JobEffects{
		Stdout: jobspec.Output{Kind: jobspec.OutputInline, Bytes: []byte("ok\n")},
	})
	require.NoError(t, wire.WriteMessage(conn, protocol.NewJobResponse(jid, want)))

	got, err := c.AwaitJob(jid)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A job delivers exactly one outcome.
	_, err = c.AwaitJob(jid)
	require.Error(t, err)
}

func TestJobIdsAllocateMonotonically(t *testing.T) {
	fb := startFakeBroker(t)
	c, err := New(fb.addr)
	require.NoError(t, err)
	defer c.Close()

	first, err := c.AddJob(&jobspec.JobSpec{Program: "/bin/a"})
	require.NoError(t, err)
	second, err := c.AddJob(&jobspec.JobSpec{Program: "/bin/b"})
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestBackgroundUploadsArtifactWhenBrokerNeedsIt(t *testing.T) {
	fb := startFakeBroker(t)
	c, err := New(fb.addr)
	require.NoError(t, err)
	defer c.Close()

	blob := []byte("layer bytes, already tarred by the build system")
	path := filepath.Join(t.TempDir(), "layer.tar")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	d, err := c.AddArtifact(path, jobspec.ArtifactTar)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(blob), d)

	spec := &jobspec.JobSpec{
		Program: "/bin/true",
		Layers:  []jobspec.LayerSpec{{Digest: d, Kind: jobspec.ArtifactTar}},
	}
	jid, err := c.AddJob(spec)
	require.NoError(t, err)

	conn := fb.clientConn(t)
	req := readClientMsg(t, conn)
	require.Equal(t, protocol.ClientToBrokerJobRequest, req.Kind)

	// The broker reports the digest missing; the client's background must
	// answer with an announce frame followed by the compressed blob.
	require.NoError(t, wire.WriteMessage(conn, protocol.NewArtifactsNeeded(jid, []digest.Digest{d})))

	upload := readClientMsg(t, conn)
	require.Equal(t, protocol.ClientToBrokerArtifactUpload, upload.Kind)
	assert.Equal(t, d, upload.Digest)
	assert.Equal(t, jobspec.ArtifactTar, upload.ArtifactKind)

	dec, err := zstd.NewReader(wire.NewChunkReader(conn))
	require.NoError(t, err)
	got, err := io.ReadAll(dec)
	dec.Close()
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	require.NoError(t, wire.WriteMessage(conn, protocol.NewArtifactUploadResult(d, "")))

	// With the artifact landed, the job completes as usual.
	outcome := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0}, jobspec.JobEffects{})
	require.NoError(t, wire.WriteMessage(conn, protocol.NewJobResponse(jid, outcome)))

	got2, err := c.AwaitJob(jid)
	require.NoError(t, err)
	assert.Equal(t, outcome, got2)
}

func TestStateCountsRoundTrip(t *testing.T) {
	fb := startFakeBroker(t)
	c, err := New(fb.addr)
	require.NoError(t, err)
	defer c.Close()

	conn := fb.clientConn(t)
	go func() {
		var msg protocol.ClientToBroker
		if err := wire.ReadMessage(conn, &msg); err != nil {
			return
		}
		if msg.Kind == protocol.ClientToBrokerJobStateCountsRequest {
			wire.WriteMessage(conn, protocol.NewJobStateCountsResponse(protocol.JobStateCounts{
				Pending: 2, Running: 2,
			}))
		}
	}()

	counts, err := c.StateCounts()
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Pending)
	assert.EqualValues(t, 2, counts.Running)
	assert.Zero(t, counts.Complete)
}

func TestCloseFailsOutstandingAwaits(t *testing.T) {
	fb := startFakeBroker(t)
	c, err := New(fb.addr)
	require.NoError(t, err)

	jid, err := c.AddJob(&jobspec.JobSpec{Program: "/bin/sleepy"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.AwaitJob(jid)
		done <- err
	}()

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitJob never unblocked after Close")
	}

	_, err = c.AddJob(&jobspec.JobSpec{Program: "/bin/true"})
	assert.ErrorIs(t, err, ErrClosed)
}
