package scheduler

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/artifact"
	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/protocol"
)

// WorkerId identifies one worker connection to the broker, for the
// lifetime of that connection. Allocated by the broker on Hello using a
// uuid; ties in the dispatch algorithm break on this value's natural
// string order.
type WorkerId string

// GetArtifactResult is the scheduler's reply to GetArtifactForWorker.
type GetArtifactResult struct {
	Path string
	Size int64
	Err  error
}

type workerState struct {
	id        WorkerId
	slots     uint16
	available uint16
	sender    chan<- protocol.BrokerToWorker
	running   map[jobspec.JobId]bool
}

// jobRecord tracks one admitted job. It is keyed in Scheduler.jobs by
// globalID, a broker-assigned identifier distinct from clientJobId: the
// client's JobId is only unique within that one client's session, but the
// broker-worker wire protocol (BrokerToWorker/WorkerToBroker) carries a
// single JobId field with no client identity alongside it, so the broker
// must hand out an identifier that is unique across every connected
// client before a job ever reaches a worker.
type jobRecord struct {
	client       jobspec.ClientId
	clientJobId  jobspec.JobId
	globalID     jobspec.JobId
	spec         *jobspec.JobSpec
	state        jobspec.State
	worker       WorkerId
	pendingSince time.Time

	// canceled marks a Running job whose owning client disconnected. The
	// record stays in Scheduler.jobs until the worker's JobResponse (or
	// disconnect) arrives, so the worker's slot is freed exactly once;
	// the outcome itself is dropped rather than forwarded anywhere.
	canceled bool
}

// command is one message processed by the scheduler's run loop.
type command interface {
	apply(s *Scheduler)
}

// Scheduler is the broker's dispatch actor. Create with New, then Start
// it before sending any commands.
type Scheduler struct {
	registry *artifact.Registry

	cmdCh  chan command
	stopCh chan struct{}

	clients map[jobspec.ClientId]chan<- protocol.BrokerToClient
	workers map[WorkerId]*workerState

	// jobs holds every admitted job not yet complete, keyed by globalID.
	// waiting is the subset currently in StateWaitingForArtifacts, kept
	// as a separate index so ArtifactUploaded doesn't have to filter the
	// full job set by state on every upload.
	jobs    map[jobspec.JobId]*jobRecord
	waiting map[jobspec.JobId]*jobRecord

	// pending is a FIFO of globalIDs in StatePending, ready to dispatch
	// the moment a worker has a free slot.
	pending []jobspec.JobId

	nextGlobalID uint64
}

// New creates a Scheduler backed by registry. Call Start to begin
// processing commands.
func New(registry *artifact.Registry) *Scheduler {
	return &Scheduler{
		registry: registry,
		cmdCh:    make(chan command, 256),
		stopCh:   make(chan struct{}),
		clients:  make(map[jobspec.ClientId]chan<- protocol.BrokerToClient),
		workers:  make(map[WorkerId]*workerState),
		jobs:     make(map[jobspec.JobId]*jobRecord),
		waiting:  make(map[jobspec.JobId]*jobRecord),
	}
}

// Start begins the scheduler's command-processing loop in its own
// goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler. Commands sent after Stop are dropped.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd.apply(s)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.cmdCh <- cmd:
	case <-s.stopCh:
	}
}

// --- public API: one constructor+send pair per scheduler input ---

type clientConnectedCmd struct {
	id     jobspec.ClientId
	sender chan<- protocol.BrokerToClient
}

func (c clientConnectedCmd) apply(s *Scheduler) { s.clients[c.id] = c.sender }

// ClientConnected registers a client's outbound channel so the scheduler
// can push job responses and artifact-needed notices to it.
func (s *Scheduler) ClientConnected(id jobspec.ClientId, sender chan<- protocol.BrokerToClient) {
	s.send(clientConnectedCmd{id: id, sender: sender})
}

type clientDisconnectedCmd struct {
	id   jobspec.ClientId
	done chan<- struct{}
}

func (c clientDisconnectedCmd) apply(s *Scheduler) {
	s.handleClientDisconnected(c.id)
	close(c.done)
}

// ClientDisconnected cancels every outstanding job the client owns: queued
// jobs are dropped, running jobs are told to abort on their worker. It
// blocks until the scheduler has processed the disconnect, so when it
// returns no further message will ever be sent on the client's channel and
// the caller may tear its connection machinery down.
func (s *Scheduler) ClientDisconnected(id jobspec.ClientId) {
	done := make(chan struct{})
	s.send(clientDisconnectedCmd{id: id, done: done})
	select {
	case <-done:
	case <-s.stopCh:
	}
}

type workerConnectedCmd struct {
	id     WorkerId
	slots  uint16
	sender chan<- protocol.BrokerToWorker
}

func (c workerConnectedCmd) apply(s *Scheduler) {
	s.workers[c.id] = &workerState{
		id:        c.id,
		slots:     c.slots,
		available: c.slots,
		sender:    c.sender,
		running:   make(map[jobspec.JobId]bool),
	}
	metrics.WorkersTotal.Inc()
	metrics.WorkerSlotsTotal.Add(float64(c.slots))
	s.dispatch()
}

// WorkerConnected registers a worker's slot count and outbound channel,
// then attempts to dispatch against the newly available capacity.
func (s *Scheduler) WorkerConnected(id WorkerId, slots uint16, sender chan<- protocol.BrokerToWorker) {
	s.send(workerConnectedCmd{id: id, slots: slots, sender: sender})
}

type workerDisconnectedCmd struct {
	id   WorkerId
	done chan<- struct{}
}

func (c workerDisconnectedCmd) apply(s *Scheduler) {
	s.handleWorkerDisconnected(c.id)
	close(c.done)
}

// WorkerDisconnected requeues every job the worker was running back to
// Pending (unless its owning client already canceled it) and removes the
// worker's capacity. Like ClientDisconnected it blocks until processed:
// afterward the scheduler holds no reference to the worker's channel.
func (s *Scheduler) WorkerDisconnected(id WorkerId) {
	done := make(chan struct{})
	s.send(workerDisconnectedCmd{id: id, done: done})
	select {
	case <-done:
	case <-s.stopCh:
	}
}

type jobRequestCmd struct {
	client jobspec.ClientId
	jid    jobspec.JobId
	spec   *jobspec.JobSpec
}

func (c jobRequestCmd) apply(s *Scheduler) { s.handleJobRequest(c.client, c.jid, c.spec) }

// JobRequest admits a new job under client, identified to that client by
// jid. If any layer digest is unregistered the job is held in
// WaitingForArtifacts and the client is told what's missing.
func (s *Scheduler) JobRequest(client jobspec.ClientId, jid jobspec.JobId, spec *jobspec.JobSpec) {
	s.send(jobRequestCmd{client: client, jid: jid, spec: spec})
}

type jobResponseCmd struct {
	worker   WorkerId
	globalID jobspec.JobId
	outcome  jobspec.JobOutcome
}

func (c jobResponseCmd) apply(s *Scheduler) { s.handleJobResponse(c.worker, c.globalID, c.outcome) }

// JobResponse records a worker's reported outcome for globalID, the
// broker-assigned identifier it was dispatched under, frees the worker's
// slot, and forwards the outcome to the owning client unless that job was
// already canceled.
func (s *Scheduler) JobResponse(worker WorkerId, globalID jobspec.JobId, outcome jobspec.JobOutcome) {
	s.send(jobResponseCmd{worker: worker, globalID: globalID, outcome: outcome})
}

type artifactUploadedCmd struct{ digest digest.Digest }

func (c artifactUploadedCmd) apply(s *Scheduler) { s.handleArtifactUploaded() }

// ArtifactUploaded re-checks every job in WaitingForArtifacts now that one
// more digest has landed in the registry, admitting any that have become
// fully satisfied.
func (s *Scheduler) ArtifactUploaded(d digest.Digest) {
	s.send(artifactUploadedCmd{digest: d})
}

type jobStateCountsRequestCmd struct{ reply chan<- protocol.JobStateCounts }

func (c jobStateCountsRequestCmd) apply(s *Scheduler) {
	var counts protocol.JobStateCounts
	for _, job := range s.jobs {
		switch job.state {
		case jobspec.StateWaitingForArtifacts:
			counts.WaitingForArtifacts++
		case jobspec.StatePending:
			counts.Pending++
		case jobspec.StateRunning:
			counts.Running++
		}
	}
	c.reply <- counts
}

// JobStateCounts returns a snapshot of how many jobs are in each
// non-terminal state. It blocks until the scheduler goroutine processes
// the request.
func (s *Scheduler) JobStateCounts() protocol.JobStateCounts {
	reply := make(chan protocol.JobStateCounts, 1)
	s.send(jobStateCountsRequestCmd{reply: reply})
	return <-reply
}

type getArtifactForWorkerCmd struct {
	digest digest.Digest
	reply  chan<- GetArtifactResult
}

func (c getArtifactForWorkerCmd) apply(s *Scheduler) {
	path, size, err := s.registry.GetForWorker(c.digest)
	c.reply <- GetArtifactResult{Path: path, Size: size, Err: err}
}

// GetArtifactForWorker leases a registry blob on behalf of an artifact
// fetcher connection, returning its path and size. It blocks until the
// scheduler goroutine processes the request.
func (s *Scheduler) GetArtifactForWorker(d digest.Digest) GetArtifactResult {
	reply := make(chan GetArtifactResult, 1)
	s.send(getArtifactForWorkerCmd{digest: d, reply: reply})
	return <-reply
}

type decrementRefcountCmd struct{ digest digest.Digest }

func (c decrementRefcountCmd) apply(s *Scheduler) {
	if err := s.registry.Decrement(c.digest); err != nil {
		log.Logger.Warn().Err(err).Str("digest", c.digest.String()).Msg("scheduler: decrement of unleased digest")
	}
}

// DecrementRefcount releases one fetcher lease taken by a prior
// GetArtifactForWorker call.
func (s *Scheduler) DecrementRefcount(d digest.Digest) {
	s.send(decrementRefcountCmd{digest: d})
}

// --- internal handlers ---

func (s *Scheduler) allocGlobalID() jobspec.JobId {
	s.nextGlobalID++
	return jobspec.JobId(s.nextGlobalID)
}

// transition moves job to state to, warning if it is not a legal advance
// per jobspec.CanAdvance. The assignment always happens regardless: this
// exists to surface an accidental regression in the scheduler's own logic,
// not to block one. handleWorkerDisconnected's deliberate Running->Pending
// requeue bypasses it, since that regression is spec-mandated rather than a
// bug.
func (s *Scheduler) transition(job *jobRecord, to jobspec.State) {
	if !jobspec.CanAdvance(job.state, to) {
		log.Logger.Warn().
			Uint64("job_id", uint64(job.globalID)).
			Str("from", string(job.state)).
			Str("to", string(to)).
			Msg("scheduler: job state regressed")
	}
	job.state = to
}

func (s *Scheduler) handleJobRequest(client jobspec.ClientId, jid jobspec.JobId, spec *jobspec.JobSpec) {
	job := &jobRecord{
		client:      client,
		clientJobId: jid,
		globalID:    s.allocGlobalID(),
		spec:        spec,
	}
	s.jobs[job.globalID] = job

	missing := s.registry.Missing(spec.Digests())
	if len(missing) > 0 {
		s.transition(job, jobspec.StateWaitingForArtifacts)
		s.waiting[job.globalID] = job
		metrics.JobsTotal.WithLabelValues(string(jobspec.StateWaitingForArtifacts)).Inc()
		s.notifyClient(client, protocol.NewArtifactsNeeded(jid, missing))
		return
	}
	s.admitToPending(job)
}

func (s *Scheduler) handleArtifactUploaded() {
	for globalID, job := range s.waiting {
		if len(s.registry.Missing(job.spec.Digests())) > 0 {
			continue
		}
		delete(s.waiting, globalID)
		metrics.JobsTotal.WithLabelValues(string(jobspec.StateWaitingForArtifacts)).Dec()
		s.admitToPending(job)
	}
}

// admitToPending moves job from WaitingForArtifacts (or straight from
// JobRequest) into the pending queue, acquiring its registry refs. Every
// digest is already confirmed present, so AcquireForJob failing here
// means a registry entry vanished between the check and the acquire; that
// should not happen since only Decrement (driven by matching
// release/acquire pairs) ever removes an entry, but if it does we park
// the job back in WaitingForArtifacts rather than dispatch a job whose
// layers the registry can't produce.
func (s *Scheduler) admitToPending(job *jobRecord) {
	if err := s.registry.AcquireForJob(job.spec.Digests()); err != nil {
		log.Logger.Warn().Err(err).Uint64("job_id", uint64(job.globalID)).Msg("scheduler: artifact vanished before acquire, re-waiting")
		s.transition(job, jobspec.StateWaitingForArtifacts)
		s.waiting[job.globalID] = job
		metrics.JobsTotal.WithLabelValues(string(jobspec.StateWaitingForArtifacts)).Inc()
		return
	}
	s.transition(job, jobspec.StatePending)
	job.pendingSince = time.Now()
	s.pending = append(s.pending, job.globalID)
	metrics.JobsTotal.WithLabelValues(string(jobspec.StatePending)).Inc()
	s.dispatch()
}

func (s *Scheduler) handleClientDisconnected(id jobspec.ClientId) {
	delete(s.clients, id)

	for globalID, job := range s.jobs {
		if job.client != id {
			continue
		}
		switch job.state {
		case jobspec.StateWaitingForArtifacts:
			delete(s.waiting, globalID)
			delete(s.jobs, globalID)
			metrics.JobsTotal.WithLabelValues(string(jobspec.StateWaitingForArtifacts)).Dec()
		case jobspec.StatePending:
			s.removeFromPending(globalID)
			s.registry.ReleaseForJob(job.spec.Digests())
			delete(s.jobs, globalID)
			metrics.JobsTotal.WithLabelValues(string(jobspec.StatePending)).Dec()
		case jobspec.StateRunning:
			job.canceled = true
			if w, ok := s.workers[job.worker]; ok {
				s.notifyWorker(w, protocol.NewCancelJob(globalID))
			}
		}
	}
}

func (s *Scheduler) handleWorkerDisconnected(id WorkerId) {
	w, ok := s.workers[id]
	if !ok {
		return
	}
	delete(s.workers, id)
	metrics.WorkersTotal.Dec()
	metrics.WorkerSlotsTotal.Add(-float64(w.slots))
	metrics.WorkerSlotsInUse.Add(-float64(w.slots - w.available))

	for globalID := range w.running {
		job, ok := s.jobs[globalID]
		if !ok {
			continue
		}
		metrics.JobsTotal.WithLabelValues(string(jobspec.StateRunning)).Dec()
		if job.canceled {
			delete(s.jobs, globalID)
			s.registry.ReleaseForJob(job.spec.Digests())
			continue
		}
		// Deliberately bypasses transition: a disconnected worker's running
		// jobs requeue to Pending, which jobspec.CanAdvance would otherwise
		// flag as a regression.
		job.state = jobspec.StatePending
		job.worker = ""
		job.pendingSince = time.Now()
		s.pending = append(s.pending, globalID)
		metrics.JobsTotal.WithLabelValues(string(jobspec.StatePending)).Inc()
	}
	s.dispatch()
}

func (s *Scheduler) handleJobResponse(worker WorkerId, globalID jobspec.JobId, outcome jobspec.JobOutcome) {
	job, ok := s.jobs[globalID]
	if !ok {
		return
	}
	if w, ok := s.workers[worker]; ok {
		delete(w.running, globalID)
		w.available++
		metrics.WorkerSlotsInUse.Dec()
	}

	s.registry.ReleaseForJob(job.spec.Digests())
	delete(s.jobs, globalID)
	metrics.JobsTotal.WithLabelValues(string(jobspec.StateRunning)).Dec()

	if !job.canceled {
		metrics.JobsCompletedTotal.WithLabelValues(string(outcome.Kind)).Inc()
		s.notifyClient(job.client, protocol.NewJobResponse(job.clientJobId, outcome))
	}
	s.dispatch()
}

// dispatch pops the pending queue while some worker has a free slot. Ties
// break toward the worker with the most available slots, then the
// smallest worker id, for deterministic load spreading.
func (s *Scheduler) dispatch() {
	for len(s.pending) > 0 {
		w := s.pickWorker()
		if w == nil {
			return
		}
		globalID := s.pending[0]
		s.pending = s.pending[1:]

		job, ok := s.jobs[globalID]
		if !ok {
			continue
		}
		metrics.JobsTotal.WithLabelValues(string(jobspec.StatePending)).Dec()
		metrics.SchedulingLatency.Observe(time.Since(job.pendingSince).Seconds())

		s.transition(job, jobspec.StateRunning)
		job.worker = w.id
		w.available--
		w.running[globalID] = true
		metrics.JobsTotal.WithLabelValues(string(jobspec.StateRunning)).Inc()
		metrics.WorkerSlotsInUse.Inc()
		metrics.JobsDispatchedTotal.Inc()

		s.notifyWorker(w, protocol.NewEnqueueJob(globalID, job.spec))
	}
}

func (s *Scheduler) pickWorker() *workerState {
	var best *workerState
	for _, w := range s.workers {
		if w.available == 0 {
			continue
		}
		if best == nil || w.available > best.available || (w.available == best.available && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (s *Scheduler) removeFromPending(globalID jobspec.JobId) {
	for i, id := range s.pending {
		if id == globalID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// notifyClient and notifyWorker must never drop: a lost JobResponse strands
// the client's await forever, and a lost EnqueueJob leaks the slot the
// dispatch loop just committed. The sends block until the connection
// handler accepts the message; the handler side drains its channel into an
// unbounded per-connection outbox immediately (see pkg/broker), so a slow
// TCP reader never stalls this goroutine. The stop case only guards
// shutdown.

func (s *Scheduler) notifyClient(id jobspec.ClientId, msg protocol.BrokerToClient) {
	sender, ok := s.clients[id]
	if !ok {
		return
	}
	select {
	case sender <- msg:
	case <-s.stopCh:
	}
}

func (s *Scheduler) notifyWorker(w *workerState, msg protocol.BrokerToWorker) {
	select {
	case w.sender <- msg:
	case <-s.stopCh:
	}
}
