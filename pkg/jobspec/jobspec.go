// Package jobspec defines the data model for one job execution request: its
// immutable specification, its identity, and the outcome a worker reports
// back once it has run.
package jobspec

import (
	"github.com/cuemby/maelstrom/pkg/digest"
)

// ClientId identifies one client connection to the broker, for the lifetime
// of that connection. Allocated by the broker on Hello using a uuid, so
// restarting a client (or the broker) never collides with a prior session.
type ClientId string

// JobId is a 64-bit identifier unique within one (client, broker) session,
// allocated monotonically by the client-bg. The pair (ClientId, JobId) is
// globally unique within one broker lifetime.
type JobId uint64

// ArtifactKind distinguishes a plain filesystem layer archive from a
// manifest that names further digests for deduplicated layer assembly.
type ArtifactKind string

const (
	ArtifactTar        ArtifactKind = "tar"
	ArtifactManifestV1 ArtifactKind = "manifest_v1"
)

// LayerSpec names one layer in a job's root filesystem. Order matters:
// later layers overlay earlier ones at job start.
type LayerSpec struct {
	Digest digest.Digest `codec:"digest"`
	Kind   ArtifactKind  `codec:"kind"`
}

// DeviceType names a host device node to bind-mount into a job's container.
type DeviceType string

const (
	DeviceNull   DeviceType = "null"
	DeviceZero   DeviceType = "zero"
	DeviceRandom DeviceType = "random"
	DeviceFull   DeviceType = "full"
	DeviceTTY    DeviceType = "tty"
)

// DeviceRequest asks the executor to bind-mount one host device node.
type DeviceRequest struct {
	Type DeviceType `codec:"type"`
}

// MountType names one kind of mount the executor sets up inside a job's
// container root.
type MountType string

const (
	MountTmpfs MountType = "tmpfs"
	MountProc  MountType = "proc"
	MountSys   MountType = "sys"
	MountBind  MountType = "bind"
)

// MountRequest describes one mount to perform inside the container root.
// HostPath and ReadOnly are only meaningful when Type is MountBind.
type MountRequest struct {
	Type       MountType `codec:"type"`
	MountPoint string    `codec:"mount_point"`
	HostPath   string    `codec:"host_path,omitempty"`
	ReadOnly   bool      `codec:"read_only,omitempty"`
}

// JobSpec is the full, immutable description of one execution. Once
// submitted to the broker it is never mutated; retries and reassignments
// send the identical spec again.
type JobSpec struct {
	Program     string   `codec:"program"`
	Arguments   []string `codec:"arguments"`
	Environment []string `codec:"environment"`

	// Layers is ordered bottom to top: Layers[0] is the base.
	Layers []LayerSpec `codec:"layers"`

	// WorkingDirectory is empty to mean "/" inside the container.
	WorkingDirectory string `codec:"working_directory,omitempty"`

	Devices []DeviceRequest `codec:"devices,omitempty"`
	Mounts  []MountRequest  `codec:"mounts,omitempty"`

	EnableLoopback           bool `codec:"enable_loopback"`
	EnableWritableFileSystem bool `codec:"enable_writable_file_system"`

	// TimeoutSeconds is 0 for "no timeout".
	TimeoutSeconds uint32 `codec:"timeout_seconds,omitempty"`
}

// HasTimeout reports whether the spec carries a nonzero timeout.
func (s *JobSpec) HasTimeout() bool {
	return s.TimeoutSeconds > 0
}

// Digests returns the digest of every layer the spec references, in layer
// order. Used by the broker to check artifact availability and to acquire
// or release registry refcounts as one batch.
func (s *JobSpec) Digests() []digest.Digest {
	return LayerDigests(s.Layers)
}

// LayerDigests returns the digest of every layer in layers, in order. The
// worker uses this both for a spec's top-level layers and for the entries a
// ManifestV1 layer expands into.
func LayerDigests(layers []LayerSpec) []digest.Digest {
	digests := make([]digest.Digest, len(layers))
	for i, l := range layers {
		digests[i] = l.Digest
	}
	return digests
}

// StatusKind distinguishes a process that ran to completion on its own from
// one that was killed by a signal.
type StatusKind string

const (
	StatusExited   StatusKind = "exited"
	StatusSignaled StatusKind = "signaled"
)

// JobStatus is the raw exit disposition of a completed process. Code holds
// the exit code when Kind is StatusExited, or the signal number when Kind
// is StatusSignaled.
type JobStatus struct {
	Kind StatusKind `codec:"kind"`
	Code uint8      `codec:"code"`
}

// OutputKind tags how much of a stream's bytes were captured.
type OutputKind string

const (
	OutputNone      OutputKind = "none"
	OutputInline    OutputKind = "inline"
	OutputTruncated OutputKind = "truncated"
)

// Output carries captured stdout or stderr bytes up to the worker's inline
// limit. When Kind is OutputTruncated, Bytes holds only the first
// len(Bytes) bytes and TotalLen holds the true total.
type Output struct {
	Kind     OutputKind `codec:"kind"`
	Bytes    []byte     `codec:"bytes,omitempty"`
	TotalLen uint64     `codec:"total_len,omitempty"`
}

// JobEffects bundles a job's two captured output streams.
type JobEffects struct {
	Stdout Output `codec:"stdout"`
	Stderr Output `codec:"stderr"`
}

// OutcomeKind distinguishes a process that exited or was signaled from one
// the supervisor killed for exceeding its timeout, and from one whose
// container could not even be constructed.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeTimedOut        OutcomeKind = "timed_out"
	OutcomeExecutionFailed OutcomeKind = "execution_failed"
)

// JobOutcome is the terminal result of one job. Status is the zero value
// unless Kind is OutcomeCompleted; ErrorMsg is empty unless Kind is
// OutcomeExecutionFailed, in which case it names the container setup stage
// that failed. An execution failure is a job outcome, not a transport
// error: the spec is deterministic, so the broker never retries it.
type JobOutcome struct {
	Kind     OutcomeKind `codec:"kind"`
	Status   JobStatus   `codec:"status,omitempty"`
	Effects  JobEffects  `codec:"effects"`
	ErrorMsg string      `codec:"error_msg,omitempty"`
}

// Completed builds a JobOutcome for a process that ran to completion.
func Completed(status JobStatus, effects JobEffects) JobOutcome {
	return JobOutcome{Kind: OutcomeCompleted, Status: status, Effects: effects}
}

// TimedOut builds a JobOutcome for a process killed after exceeding its
// timeout.
func TimedOut(effects JobEffects) JobOutcome {
	return JobOutcome{Kind: OutcomeTimedOut, Effects: effects}
}

// ExecutionFailed builds a JobOutcome for a job whose container setup
// failed before its program could exec.
func ExecutionFailed(msg string) JobOutcome {
	return JobOutcome{Kind: OutcomeExecutionFailed, ErrorMsg: msg}
}

// State is a job's lifecycle stage as seen by progress UIs. State never
// regresses: a job only ever advances through this sequence.
type State string

const (
	StateWaitingForArtifacts State = "waiting_for_artifacts"
	StatePending             State = "pending"
	StateRunning             State = "running"
	StateComplete            State = "complete"
)

var stateOrder = map[State]int{
	StateWaitingForArtifacts: 0,
	StatePending:             1,
	StateRunning:             2,
	StateComplete:            3,
}

// CanAdvance reports whether to is a legal successor of from: strictly
// later in the lifecycle, or unchanged.
func CanAdvance(from, to State) bool {
	return stateOrder[to] >= stateOrder[from]
}
