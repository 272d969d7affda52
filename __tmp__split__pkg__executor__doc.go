// Package executor runs one job inside a freshly-constructed Linux
// container: a private mount, network, IPC, and cgroup namespace whose root
// filesystem is assembled from the job's content-addressed layers.
//
// Construction happens in two processes. The supervisor (Run) clones a
// child into the new namespaces by re-executing the worker binary in init
// mode; the init side (InitMain) performs the mount stacking, device and
// filesystem mounts, loopback bring-up, and pivot_root, then execs the
// job's program. The supervisor captures stdout and stderr up to the
// configured inline limit and enforces the job's timeout with SIGKILL to
// the child's process group.
//
// A failure at any init stage aborts the child with a distinguished exit
// code, which the supervisor reports as an execution-failed outcome rather
// than a transport error: job specs are deterministic, so such a job is
// never retried.
package executor


