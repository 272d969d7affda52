package broker

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cuemby/maelstrom/pkg/artifact"
	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/scheduler"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) (addr string, registry *artifact.Registry) {
	t.Helper()
	registry = artifact.New(t.TempDir())
	sched := scheduler.New(registry)
	sched.Start()
	t.Cleanup(sched.Stop)

	b := New(sched, registry)
	require.NoError(t, b.Start("127.0.0.1:0"))
	t.Cleanup(func() { b.Stop() })

	return b.ln.Addr().String(), registry
}

func dial(t *testing.T, addr string, hello protocol.Hello) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.WriteMessage(conn, hello))
	return conn
}

func readMsg[T any](t *testing.T, conn net.Conn) T {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v T
	require.NoError(t, wire.ReadMessage(conn, &v))
	return v
}

// sendBlobStream writes blob as the compressed chunked stream that follows
// an upload announce.
func sendBlobStream(t *testing.T, conn net.Conn, blob []byte) {
	t.Helper()
	chunks := wire.NewChunkWriter(conn, DefaultMaxChunkSize)
	enc, err := zstd.NewWriter(chunks)
	require.NoError(t, err)
	_, err = enc.Write(blob)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, chunks.Finish())
}

func TestBrokerDispatchesJobToWorkerAndForwardsOutcome(t *testing.T) {
	addr, _ := startTestBroker(t)

	worker := dial(t, addr, protocol.Hello{Kind: protocol.HelloWorker, Slots: 1})
	client := dial(t, addr, protocol.Hello{Kind: protocol.HelloClient})

	require.NoError(t, wire.WriteMessage(client, protocol.NewJobRequest(1, &jobspec.JobSpec{Program: "/bin/true"})))

	enqueue := readMsg[protocol.BrokerToWorker](t, worker)
	require.Equal(t, protocol.BrokerToWorkerEnqueueJob, enqueue.Kind)
	require.Equal(t, "/bin/true", enqueue.Spec.Program)

	outcome := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited}, jobspec.JobEffects{})
	require.NoError(t, wire.WriteMessage(worker, protocol.WorkerToBroker{JobId: enqueue.JobId, Outcome: outcome}))

	resp := readMsg[protocol.BrokerToClient](t, client)
	require.Equal(t, protocol.BrokerToClientJobResponse, resp.Kind)
	require.EqualValues(t, 1, resp.JobId)
	require.NotNil(t, resp.Outcome)
	require.Equal(t, outcome, *resp.Outcome)
}

func TestBrokerHoldsJobUntilArtifactUploadedThenDispatches(t *testing.T) {
	addr, registry := startTestBroker(t)

	worker := dial(t, addr, protocol.Hello{Kind: protocol.HelloWorker, Slots: 1})
	client := dial(t, addr, protocol.Hello{Kind: protocol.HelloClient})

	blob := []byte("a layer's worth of bytes")
	d := digest.FromBytes(blob)
	spec := &jobspec.JobSpec{
		Program: "/bin/true",
		Layers:  []jobspec.LayerSpec{{Digest: d, Kind: jobspec.ArtifactTar}},
	}
	require.NoError(t, wire.WriteMessage(client, protocol.NewJobRequest(1, spec)))

	needed := readMsg[protocol.BrokerToClient](t, client)
	require.Equal(t, protocol.BrokerToClientArtifactsNeeded, needed.Kind)
	require.Equal(t, []digest.Digest{d}, needed.NeededDigests)

	require.NoError(t, wire.WriteMessage(client, protocol.NewArtifactUpload(d, jobspec.ArtifactTar)))
	sendBlobStream(t, client, blob)

	result := readMsg[protocol.BrokerToClient](t, client)
	require.Equal(t, protocol.BrokerToClientArtifactUploadResult, result.Kind)
	require.Empty(t, result.Error)
	require.True(t, registry.Registered([]digest.Digest{d}))

	enqueue := readMsg[protocol.BrokerToWorker](t, worker)
	require.Equal(t, protocol.BrokerToWorkerEnqueueJob, enqueue.Kind)
}

func TestBrokerRejectsArtifactUploadWithWrongDigest(t *testing.T) {
	addr, registry := startTestBroker(t)
	client := dial(t, addr, protocol.Hello{Kind: protocol.HelloClient})

	claimed := digest.FromBytes([]byte("claimed bytes"))
	require.NoError(t, wire.WriteMessage(client, protocol.NewArtifactUpload(claimed, jobspec.ArtifactTar)))
	sendBlobStream(t, client, []byte("different bytes entirely"))

	result := readMsg[protocol.BrokerToClient](t, client)
	require.Equal(t, protocol.BrokerToClientArtifactUploadResult, result.Kind)
	require.NotEmpty(t, result.Error)
	require.False(t, registry.Registered([]digest.Digest{claimed}))
}

func TestBrokerArtifactFetcherStreamsLeasedBlob(t *testing.T) {
	addr, registry := startTestBroker(t)
	client := dial(t, addr, protocol.Hello{Kind: protocol.HelloClient})

	blob := []byte("fetched by a worker after a cache miss")
	d := digest.FromBytes(blob)
	require.NoError(t, wire.WriteMessage(client, protocol.NewArtifactUpload(d, jobspec.ArtifactTar)))
	sendBlobStream(t, client, blob)
	readMsg[protocol.BrokerToClient](t, client) // drain the upload result

	fetcher := dial(t, addr, protocol.Hello{Kind: protocol.HelloArtifactFetcher})
	require.NoError(t, wire.WriteMessage(fetcher, protocol.ArtifactFetcherToBroker{Digest: d, Kind: jobspec.ArtifactTar}))

	ack := readMsg[protocol.BrokerToArtifactFetcher](t, fetcher)
	require.True(t, ack.OK())

	fetcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec, err := zstd.NewReader(wire.NewChunkReader(fetcher))
	require.NoError(t, err)
	got, err := io.ReadAll(dec)
	dec.Close()
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got))

	require.True(t, registry.Registered([]digest.Digest{d}))
}

// A burst of dispatches and completions larger than any fixed channel
// buffer must survive a peer that reads nothing until the burst is over:
// every EnqueueJob reaches the worker and every JobResponse reaches the
// client, with no slot leaked to a drop.
func TestBrokerDeliversBurstLargerThanChannelBuffers(t *testing.T) {
	addr, _ := startTestBroker(t)

	const jobs = 48
	worker := dial(t, addr, protocol.Hello{Kind: protocol.HelloWorker, Slots: 64})
	client := dial(t, addr, protocol.Hello{Kind: protocol.HelloClient})

	for i := 1; i <= jobs; i++ {
		require.NoError(t, wire.WriteMessage(client, protocol.NewJobRequest(jobspec.JobId(i), &jobspec.JobSpec{Program: "/bin/true"})))
	}

	// The worker answers every assignment before the client reads a single
	// response, so all the outcomes pile up on the client's outbound path.
	outcome := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited}, jobspec.JobEffects{})
	for i := 0; i < jobs; i++ {
		enqueue := readMsg[protocol.BrokerToWorker](t, worker)
		require.Equal(t, protocol.BrokerToWorkerEnqueueJob, enqueue.Kind)
		require.NoError(t, wire.WriteMessage(worker, protocol.WorkerToBroker{JobId: enqueue.JobId, Outcome: outcome}))
	}

	seen := make(map[jobspec.JobId]bool, jobs)
	for i := 0; i < jobs; i++ {
		resp := readMsg[protocol.BrokerToClient](t, client)
		require.Equal(t, protocol.BrokerToClientJobResponse, resp.Kind)
		require.False(t, seen[resp.JobId], "job %d delivered twice", resp.JobId)
		seen[resp.JobId] = true
	}
	require.Len(t, seen, jobs)
}

func TestBrokerArtifactFetcherReportsNotFound(t *testing.T) {
	addr, _ := startTestBroker(t)
	fetcher := dial(t, addr, protocol.Hello{Kind: protocol.HelloArtifactFetcher})

	d := digest.FromBytes([]byte("never uploaded"))
	require.NoError(t, wire.WriteMessage(fetcher, protocol.ArtifactFetcherToBroker{Digest: d, Kind: jobspec.ArtifactTar}))

	reply := readMsg[protocol.BrokerToArtifactFetcher](t, fetcher)
	require.False(t, reply.OK())
	require.NotEmpty(t, reply.Error)
}
