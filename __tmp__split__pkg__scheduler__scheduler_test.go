package scheduler

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/maelstrom/pkg/artifact"
	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(artifact.New(t.TempDir()))
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func requireWorkerMsg(t *testing.T, ch <-chan protocol.BrokerToWorker) protocol.BrokerToWorker {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message to the worker")
		return protocol.BrokerToWorker{}
	}
}

func requireClientMsg(t *testing.T, ch <-chan protocol.BrokerToClient) protocol.BrokerToClient {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message to the client")
		return protocol.BrokerToClient{}
	}
}

func requireNoWorkerMsg(t *testing.T, ch <-chan protocol.BrokerToWorker) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message to the worker, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobRequestDispatchesToConnectedWorker(t *testing.T) {
	s := newTestScheduler(t)

	clientCh := make(chan protocol.BrokerToClient, 4)
	workerCh := make(chan protocol.BrokerToWorker, 4)
	s.ClientConnected("client-1", clientCh)
	s.WorkerConnected("worker-1", 1, workerCh)

	spec := &jobspec.JobSpec{Program: "/bin/true"}
	s.JobRequest("client-1", 42, spec)
	s.JobStateCounts() // barrier: blocks until the above has been processed

	msg := requireWorkerMsg(t, workerCh)
	assert.Equal(t, protocol.BrokerToWorkerEnqueueJob, msg.Kind)
	require.NotNil(t, msg.Spec)
	assert.Equal(t, spec.Program, msg.Spec.Program)
}

func TestJobRequestHoldsForMissingArtifactsThenDispatches(t *testing.T) {
	s := newTestScheduler(t)

	clientCh := make(chan protocol.BrokerToClient, 4)
	workerCh := make(chan protocol.BrokerToWorker, 4)
	s.ClientConnected("client-1", clientCh)
	s.WorkerConnected("worker-1", 1, workerCh)

	blob := []byte("a layer")
	d := digest.FromBytes(blob)
	spec := &jobspec.JobSpec{
		Program: "/bin/true",
		Layers:  []jobspec.LayerSpec{{Digest: d, Kind: jobspec.ArtifactTar}},
	}

	s.JobRequest("client-1", 1, spec)
	s.JobStateCounts()

	needed := requireClientMsg(t, clientCh)
	assert.Equal(t, protocol.BrokerToClientArtifactsNeeded, needed.Kind)
	assert.Equal(t, []digest.Digest{d}, needed.NeededDigests)

	counts := s.JobStateCounts()
	assert.EqualValues(t, 1, counts.WaitingForArtifacts)
	assert.EqualValues(t, 0, counts.Pending)

	_, err := s.registry.Insert(d, bytes.NewReader(blob))
	require.NoError(t, err)
	s.ArtifactUploaded(d)
	s.JobStateCounts()

	msg := requireWorkerMsg(t, workerCh)
	assert.Equal(t, protocol.BrokerToWorkerEnqueueJob, msg.Kind)
}

func TestDispatchPrefersWorkerWithMoreAvailableSlots(t *testing.T) {
	s := newTestScheduler(t)

	smallCh := make(chan protocol.BrokerToWorker, 4)
	bigCh := make(chan protocol.BrokerToWorker, 4)
	s.WorkerConnected("small", 1, smallCh)
	s.WorkerConnected("big", 3, bigCh)

	s.JobRequest("client-1", 1, &jobspec.JobSpec{Program: "/bin/true"})
	s.JobStateCounts()

	requireWorkerMsg(t, bigCh)
	requireNoWorkerMsg(t, smallCh)
}

func TestDispatchTieBreaksOnSmallestWorkerId(t *testing.T) {
	s := newTestScheduler(t)

	bCh := make(chan protocol.BrokerToWorker, 4)
	aCh := make(chan protocol.BrokerToWorker, 4)
	// Connect "b" first to confirm the tie-break is on id, not arrival order.
	s.WorkerConnected("b-worker", 1, bCh)
	s.WorkerConnected("a-worker", 1, aCh)

	s.JobRequest("client-1", 1, &jobspec.JobSpec{Program: "/bin/true"})
	s.JobStateCounts()

	requireWorkerMsg(t, aCh)
	requireNoWorkerMsg(t, bCh)
}

func TestJobResponseFreesSlotAndForwardsOutcome(t *testing.T) {
	s := newTestScheduler(t)

	clientCh := make(chan protocol.BrokerToClient, 4)
	workerCh := make(chan protocol.BrokerToWorker, 4)
	s.ClientConnected("client-1", clientCh)
	s.WorkerConnected("worker-1", 1, workerCh)

	s.JobRequest("client-1", 10, &jobspec.JobSpec{Program: "/bin/true"})
	s.JobRequest("client-1", 11, &jobspec.JobSpec{Program: "/bin/false"})
	s.JobStateCounts()

	first := requireWorkerMsg(t, workerCh)
	requireNoWorkerMsg(t, workerCh) // second job has no free slot yet

	outcome := jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited}, jobspec.JobEffects{})
	s.JobResponse("worker-1", first.JobId, outcome)
	s.JobStateCounts()

	resp := requireClientMsg(t, clientCh)
	assert.Equal(t, protocol.BrokerToClientJobResponse, resp.Kind)
	require.NotNil(t, resp.Outcome)
	assert.EqualValues(t, 10, resp.JobId)

	second := requireWorkerMsg(t, workerCh)
	assert.NotEqual(t, first.JobId, second.JobId)
}

func TestWorkerDisconnectRequeuesRunningJobs(t *testing.T) {
	s := newTestScheduler(t)

	workerCh := make(chan protocol.BrokerToWorker, 4)
	s.WorkerConnected("worker-1", 1, workerCh)
	s.JobRequest("client-1", 1, &jobspec.JobSpec{Program: "/bin/true"})
	s.JobStateCounts()
	requireWorkerMsg(t, workerCh)

	s.WorkerDisconnected("worker-1")
	replacementCh := make(chan protocol.BrokerToWorker, 4)
	s.WorkerConnected("worker-2", 1, replacementCh)
	s.JobStateCounts()

	requireWorkerMsg(t, replacementCh)
}

func TestClientDisconnectDropsPendingJob(t *testing.T) {
	s := newTestScheduler(t)

	// No workers connected, so the job sits in Pending forever until canceled.
	s.JobRequest("client-1", 1, &jobspec.JobSpec{Program: "/bin/true"})
	counts := s.JobStateCounts()
	require.EqualValues(t, 1, counts.Pending)

	s.ClientDisconnected("client-1")
	counts = s.JobStateCounts()
	assert.EqualValues(t, 0, counts.Pending)
}

func TestClientDisconnectCancelsRunningJobAndDropsLateOutcome(t *testing.T) {
	s := newTestScheduler(t)

	clientCh := make(chan protocol.BrokerToClient, 4)
	workerCh := make(chan protocol.BrokerToWorker, 4)
	s.ClientConnected("client-1", clientCh)
	s.WorkerConnected("worker-1", 1, workerCh)

	s.JobRequest("client-1", 1, &jobspec.JobSpec{Program: "/bin/true"})
	s.JobStateCounts()
	enqueued := requireWorkerMsg(t, workerCh)

	s.ClientDisconnected("client-1")
	s.JobStateCounts()

	cancel := requireWorkerMsg(t, workerCh)
	assert.Equal(t, protocol.BrokerToWorkerCancelJob, cancel.Kind)
	assert.Equal(t, enqueued.JobId, cancel.JobId)

	// The worker eventually reports an outcome anyway; it must be dropped,
	// not delivered to the now-disconnected client, but the slot still frees.
	s.JobResponse("worker-1", enqueued.JobId, jobspec.TimedOut(jobspec.JobEffects{}))
	counts := s.JobStateCounts()
	assert.EqualValues(t, 0, counts.Running)

	select {
	case msg := <-clientCh:
		t.Fatalf("expected no message to the disconnected client, got %+v", msg)
	default:
	}
}


