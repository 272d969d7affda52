// Package protocol defines the message catalog exchanged over Maelstrom's
// wire protocol (see pkg/wire for the framing). Every TCP connection opens
// with a Hello naming the peer's role; subsequent frames depend on that
// role. Connection-local bookkeeping such as a client's numeric identity is
// assigned by the broker when it accepts the connection and never appears
// on the wire.
package protocol

import (
	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
)

// HelloKind names the role a new connection identifies itself as.
type HelloKind string

const (
	HelloClient          HelloKind = "client"
	HelloWorker          HelloKind = "worker"
	HelloArtifactFetcher HelloKind = "artifact_fetcher"
)

// Hello is the mandatory first frame on every connection.
type Hello struct {
	Kind HelloKind `codec:"kind"`
	// Slots is only present when Kind is HelloWorker.
	Slots uint16 `codec:"slots,omitempty"`
}

// ClientToBrokerKind tags the variant of a ClientToBroker message.
type ClientToBrokerKind string

const (
	ClientToBrokerJobRequest            ClientToBrokerKind = "job_request"
	ClientToBrokerJobStateCountsRequest ClientToBrokerKind = "job_state_counts_request"
	ClientToBrokerArtifactUpload        ClientToBrokerKind = "artifact_upload"
)

// ClientToBroker is sent on a client's long-lived connection to the broker.
type ClientToBroker struct {
	Kind ClientToBrokerKind `codec:"kind"`
	// JobId and Spec are set when Kind is ClientToBrokerJobRequest.
	JobId jobspec.JobId    `codec:"job_id,omitempty"`
	Spec  *jobspec.JobSpec `codec:"spec,omitempty"`
	// Digest and ArtifactKind are set when Kind is ClientToBrokerArtifactUpload.
	// This message is immediately followed on the same connection by a
	// chunked byte stream (see pkg/wire) carrying the blob's contents,
	// terminated by a zero-length chunk - the client-to-broker mirror of
	// the artifact fetcher's broker-to-worker stream.
	Digest       digest.Digest        `codec:"digest,omitempty"`
	ArtifactKind jobspec.ArtifactKind `codec:"artifact_kind,omitempty"`
}

// NewJobRequest builds a ClientToBroker message enqueuing a new job.
func NewJobRequest(jid jobspec.JobId, spec *jobspec.JobSpec) ClientToBroker {
	return ClientToBroker{Kind: ClientToBrokerJobRequest, JobId: jid, Spec: spec}
}

// NewJobStateCountsRequest builds a ClientToBroker message asking for a
// snapshot of job state counts. The broker counts every job it tracks,
// across all clients, not only the requester's.
func NewJobStateCountsRequest() ClientToBroker {
	return ClientToBroker{Kind: ClientToBrokerJobStateCountsRequest}
}

// NewArtifactUpload builds a ClientToBroker message announcing that a
// chunked byte stream for this digest follows immediately on the same
// connection.
func NewArtifactUpload(d digest.Digest, kind jobspec.ArtifactKind) ClientToBroker {
	return ClientToBroker{Kind: ClientToBrokerArtifactUpload, Digest: d, ArtifactKind: kind}
}

// JobStateCounts is a snapshot of the broker's jobs by state, summed over
// every client.
type JobStateCounts struct {
	WaitingForArtifacts uint64 `codec:"waiting_for_artifacts"`
	Pending             uint64 `codec:"pending"`
	Running             uint64 `codec:"running"`
	Complete            uint64 `codec:"complete"`
}

// BrokerToClientKind tags the variant of a BrokerToClient message.
type BrokerToClientKind string

const (
	BrokerToClientJobResponse            BrokerToClientKind = "job_response"
	BrokerToClientJobStateCountsResponse BrokerToClientKind = "job_state_counts_response"
	BrokerToClientArtifactsNeeded        BrokerToClientKind = "artifacts_needed"
	BrokerToClientArtifactUploadResult   BrokerToClientKind = "artifact_upload_result"
)

// BrokerToClient is sent on a client's long-lived connection from the
// broker.
type BrokerToClient struct {
	Kind BrokerToClientKind `codec:"kind"`
	// JobId and Outcome are set when Kind is BrokerToClientJobResponse.
	JobId   jobspec.JobId       `codec:"job_id,omitempty"`
	Outcome *jobspec.JobOutcome `codec:"outcome,omitempty"`
	// Counts is set when Kind is BrokerToClientJobStateCountsResponse.
	Counts *JobStateCounts `codec:"counts,omitempty"`
	// NeededDigests is set when Kind is BrokerToClientArtifactsNeeded: the
	// client must upload each of these digests before the job can proceed
	// out of WaitingForArtifacts.
	NeededDigests []digest.Digest `codec:"needed_digests,omitempty"`
	// Digest and Error are set when Kind is BrokerToClientArtifactUploadResult.
	// An empty Error means insert_blob accepted the just-streamed bytes; a
	// non-empty Error (e.g. a digest mismatch) means the upload was rejected
	// and the client must re-upload before the job can proceed.
	Digest digest.Digest `codec:"digest,omitempty"`
	Error  string        `codec:"error,omitempty"`
}

// NewJobResponse builds a BrokerToClient message delivering a terminal
// outcome.
func NewJobResponse(jid jobspec.JobId, outcome jobspec.JobOutcome) BrokerToClient {
	return BrokerToClient{Kind: BrokerToClientJobResponse, JobId: jid, Outcome: &outcome}
}

// NewJobStateCountsResponse builds a BrokerToClient message carrying a job
// state count snapshot.
func NewJobStateCountsResponse(counts JobStateCounts) BrokerToClient {
	return BrokerToClient{Kind: BrokerToClientJobStateCountsResponse, Counts: &counts}
}

// NewArtifactsNeeded builds a BrokerToClient message requesting upload of
// the given digests before a job can be scheduled.
func NewArtifactsNeeded(jid jobspec.JobId, digests []digest.Digest) BrokerToClient {
	return BrokerToClient{Kind: BrokerToClientArtifactsNeeded, JobId: jid, NeededDigests: digests}
}

// NewArtifactUploadResult builds a BrokerToClient message reporting whether
// insert_blob accepted an upload. errMsg is empty on success.
func NewArtifactUploadResult(d digest.Digest, errMsg string) BrokerToClient {
	return BrokerToClient{Kind: BrokerToClientArtifactUploadResult, Digest: d, Error: errMsg}
}

// BrokerToWorkerKind tags the variant of a BrokerToWorker message.
type BrokerToWorkerKind string

const (
	BrokerToWorkerEnqueueJob BrokerToWorkerKind = "enqueue_job"
	BrokerToWorkerCancelJob  BrokerToWorkerKind = "cancel_job"
)

// BrokerToWorker is sent on a worker's long-lived connection from the
// broker.
type BrokerToWorker struct {
	Kind BrokerToWorkerKind `codec:"kind"`
	JobId jobspec.JobId    `codec:"job_id"`
	// Spec is set when Kind is BrokerToWorkerEnqueueJob.
	Spec *jobspec.JobSpec `codec:"spec,omitempty"`
}

// NewEnqueueJob builds a BrokerToWorker message assigning a job.
func NewEnqueueJob(jid jobspec.JobId, spec *jobspec.JobSpec) BrokerToWorker {
	return BrokerToWorker{Kind: BrokerToWorkerEnqueueJob, JobId: jid, Spec: spec}
}

// NewCancelJob builds a BrokerToWorker message aborting a job.
func NewCancelJob(jid jobspec.JobId) BrokerToWorker {
	return BrokerToWorker{Kind: BrokerToWorkerCancelJob, JobId: jid}
}

// WorkerToBroker delivers a job's terminal outcome back to the broker.
// It is the only message a worker sends, so it carries no Kind tag.
type WorkerToBroker struct {
	JobId   jobspec.JobId     `codec:"job_id"`
	Outcome jobspec.JobOutcome `codec:"outcome"`
}

// ArtifactFetcherToBroker requests one blob by digest. It is sent once,
// immediately after Hello{Kind: HelloArtifactFetcher}.
type ArtifactFetcherToBroker struct {
	Digest digest.Digest        `codec:"digest"`
	Kind   jobspec.ArtifactKind `codec:"kind"`
}

// BrokerToArtifactFetcher replies to an ArtifactFetcherToBroker request.
// An empty Error means the request succeeded and a chunked byte stream of
// the blob's contents follows immediately; a non-empty Error means the
// request was rejected and no stream follows.
type BrokerToArtifactFetcher struct {
	Error string `codec:"error,omitempty"`
}

// OK reports whether the broker accepted the fetch request.
func (b BrokerToArtifactFetcher) OK() bool {
	return b.Error == ""
}
