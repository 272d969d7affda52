package protocol

import (
	"bytes"
	"testing"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip[T any](t *testing.T, msg T) T {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, msg))

	var got T
	require.NoError(t, wire.ReadMessage(&buf, &got))
	return got
}

func TestHelloRoundTrip(t *testing.T) {
	tests := []Hello{
		{Kind: HelloClient},
		{Kind: HelloWorker, Slots: 8},
		{Kind: HelloArtifactFetcher},
	}
	for _, want := range tests {
		t.Run(string(want.Kind), func(t *testing.T) {
			assert.Equal(t, want, roundTrip(t, want))
		})
	}
}

func TestClientToBrokerJobRequestRoundTrip(t *testing.T) {
	spec := &jobspec.JobSpec{
		Program:   "/bin/true",
		Arguments: []string{"--flag"},
		Layers: []jobspec.LayerSpec{
			{Digest: digest.FromBytes([]byte("layer")), Kind: jobspec.ArtifactTar},
		},
	}
	want := NewJobRequest(42, spec)
	got := roundTrip(t, want)

	assert.Equal(t, ClientToBrokerJobRequest, got.Kind)
	assert.EqualValues(t, 42, got.JobId)
	require.NotNil(t, got.Spec)
	assert.Equal(t, spec.Program, got.Spec.Program)
	assert.Equal(t, spec.Layers, got.Spec.Layers)
}

func TestBrokerToClientJobResponseRoundTrip(t *testing.T) {
	outcome := jobspec.Completed(
		jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0},
		jobspec.JobEffects{Stdout: jobspec.Output{Kind: jobspec.OutputNone}, Stderr: jobspec.Output{Kind: jobspec.OutputNone}},
	)
	want := NewJobResponse(7, outcome)
	got := roundTrip(t, want)

	assert.Equal(t, BrokerToClientJobResponse, got.Kind)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, outcome, *got.Outcome)
}

func TestBrokerToClientArtifactsNeededRoundTrip(t *testing.T) {
	digests := []digest.Digest{digest.FromBytes([]byte("a")), digest.FromBytes([]byte("b"))}
	want := NewArtifactsNeeded(9, digests)
	got := roundTrip(t, want)

	assert.Equal(t, BrokerToClientArtifactsNeeded, got.Kind)
	assert.Equal(t, digests, got.NeededDigests)
}

func TestBrokerToWorkerRoundTrip(t *testing.T) {
	spec := &jobspec.JobSpec{Program: "/bin/echo"}

	enqueue := roundTrip(t, NewEnqueueJob(1, spec))
	assert.Equal(t, BrokerToWorkerEnqueueJob, enqueue.Kind)
	require.NotNil(t, enqueue.Spec)
	assert.Equal(t, spec.Program, enqueue.Spec.Program)

	cancel := roundTrip(t, NewCancelJob(1))
	assert.Equal(t, BrokerToWorkerCancelJob, cancel.Kind)
}

func TestWorkerToBrokerRoundTrip(t *testing.T) {
	want := WorkerToBroker{
		JobId:   3,
		Outcome: jobspec.TimedOut(jobspec.JobEffects{}),
	}
	got := roundTrip(t, want)
	assert.Equal(t, want, got)
}

func TestClientToBrokerArtifactUploadRoundTrip(t *testing.T) {
	d := digest.FromBytes([]byte("layer bytes"))
	want := NewArtifactUpload(d, jobspec.ArtifactManifestV1)
	got := roundTrip(t, want)

	assert.Equal(t, ClientToBrokerArtifactUpload, got.Kind)
	assert.Equal(t, d, got.Digest)
	assert.Equal(t, jobspec.ArtifactManifestV1, got.ArtifactKind)
}

func TestBrokerToClientArtifactUploadResultRoundTrip(t *testing.T) {
	d := digest.FromBytes([]byte("layer bytes"))

	ok := roundTrip(t, NewArtifactUploadResult(d, ""))
	assert.Equal(t, BrokerToClientArtifactUploadResult, ok.Kind)
	assert.Equal(t, d, ok.Digest)
	assert.Empty(t, ok.Error)

	rejected := roundTrip(t, NewArtifactUploadResult(d, "digest mismatch"))
	assert.Equal(t, "digest mismatch", rejected.Error)
}

func TestArtifactFetcherExchangeRoundTrip(t *testing.T) {
	d := digest.FromBytes([]byte("blob"))
	request := roundTrip(t, ArtifactFetcherToBroker{Digest: d, Kind: jobspec.ArtifactTar})
	assert.Equal(t, d, request.Digest)

	ok := roundTrip(t, BrokerToArtifactFetcher{})
	assert.True(t, ok.OK())

	rejected := roundTrip(t, BrokerToArtifactFetcher{Error: "not found"})
	assert.False(t, rejected.OK())
}
