/*
Package scheduler implements the broker's dispatch actor: the single
component that decides which worker runs which job.

# Architecture

A Scheduler owns every piece of mutable dispatch state - the pending
queue, the worker slot table, and each job's lifecycle record - from a
single goroutine started by Start. Every caller outside that goroutine,
whether a client connection handler or a worker connection handler,
communicates with it only by calling an exported method, each of which
builds a small command value and sends it over one buffered channel:

	┌──────────────┐   command    ┌───────────────────────────┐
	│ client/worker│─────────────▶│   Scheduler.run() select    │
	│  connections │              │  loop (single goroutine)    │
	└──────────────┘              └─────────────┬─────────────┘
	                                              │ owns, lock-free
	                                              ▼
	                               pending queue, worker table,
	                               job records, registry refcounts

No mutex guards this state: only the owning goroutine ever reads or
writes it, so there is nothing to race. A handler that needs a reply
(JobStateCounts, GetArtifactForWorker) sends a one-shot reply channel
in its command and blocks on it, as do ClientDisconnected and
WorkerDisconnected so a handler only tears its connection down once no
further message can target it; everything else is fire-and-forget.

Messages the scheduler pushes to a connection (EnqueueJob, CancelJob,
JobResponse) are never dropped: the sends block, and each connection
handler keeps its channel drained into an unbounded outbox regardless of
how slowly the peer's socket accepts writes.

# Job lifecycle

A job admitted via JobRequest moves through:

	WaitingForArtifacts -> Pending -> Running -> (removed once complete)

WaitingForArtifacts holds a job whose layer digests aren't all in the
broker's artifact registry yet; ArtifactUploaded re-checks every waiting
job each time one more digest lands. Pending is the FIFO dispatch queue.
Running jobs are removed from Scheduler.jobs entirely once their outcome
is reported - there is no terminal "Complete" record to garbage collect.

# Dispatch algorithm

dispatch pops the head of the pending queue while any worker has a free
slot, breaking ties toward the worker with the most available slots and
then the lexicographically smallest worker id, so the choice is the same
on every run given the same inputs.

# Failure handling

A worker disconnecting requeues every job it was running back onto the
pending queue, unless the job's owning client had already canceled it.
A client disconnecting cancels every job it owns: queued jobs are
dropped outright; running jobs are told to abort on their worker, and
their record is kept around - marked canceled - only long enough to free
the worker's slot when the (now irrelevant) outcome eventually arrives.

# See also

  - pkg/broker - the TCP front end that turns wire messages into calls
    on a Scheduler
  - pkg/artifact - the content-addressed registry the scheduler checks
    before admitting a job and whose refcounts it holds for the
    lifetime of a dispatched job
*/
package scheduler


