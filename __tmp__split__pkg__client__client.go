package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/protocol"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// ErrClosed is returned by foreground calls once the client (or its broker
// connection) has shut down.
var ErrClosed = errors.New("client: closed")

// artifactSource records where the bytes for one announced digest live so
// the background can upload them when the broker asks.
type artifactSource struct {
	path string
	kind jobspec.ArtifactKind
}

// Client submits jobs to a broker and awaits their outcomes. Create with
// New; all methods are safe for concurrent use.
type Client struct {
	fg net.Conn
	bg *background

	writeMu sync.Mutex // serializes frames onto fg

	mu        sync.Mutex
	nextJobID uint64
	awaiting  map[jobspec.JobId]chan jobspec.JobOutcome
	countsCh  []chan protocol.JobStateCounts
	closed    bool
}

// New dials the broker and starts the client's background loop. The
// returned Client owns both connections; Close releases them.
func New(brokerAddr string) (*Client, error) {
	brokerConn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("client: dialing broker %s: %w", brokerAddr, err)
	}
	if err := wire.WriteMessage(brokerConn, protocol.Hello{Kind: protocol.HelloClient}); err != nil {
		brokerConn.Close()
		return nil, fmt.Errorf("client: sending hello: %w", err)
	}

	fgConn, bgConn, err := socketPair()
	if err != nil {
		brokerConn.Close()
		return nil, err
	}

	c := &Client{
		fg:       fgConn,
		awaiting: make(map[jobspec.JobId]chan jobspec.JobOutcome),
	}
	c.bg = newBackground(bgConn, brokerConn)
	c.bg.start()
	go c.readLoop()
	return c, nil
}

// socketPair builds the local connected pair the foreground and background
// halves speak the wire protocol over.
func socketPair() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("client: creating socket pair: %w", err)
	}
	toConn := func(fd int, name string) (net.Conn, error) {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		return net.FileConn(f)
	}
	fg, err := toConn(fds[0], "client-fg")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("client: wrapping fg socket: %w", err)
	}
	bg, err := toConn(fds[1], "client-bg")
	if err != nil {
		fg.Close()
		return nil, nil, fmt.Errorf("client: wrapping bg socket: %w", err)
	}
	return fg, bg, nil
}

// Close shuts down the background loop and both connections. Outstanding
// AwaitJob calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	awaiting := c.awaiting
	c.awaiting = make(map[jobspec.JobId]chan jobspec.JobOutcome)
	counts := c.countsCh
	c.countsCh = nil
	c.mu.Unlock()

	for _, ch := range awaiting {
		close(ch)
	}
	for _, ch := range counts {
		close(ch)
	}
	c.fg.Close()
	return c.bg.stop()
}

// AddArtifact registers the blob at path (already in its wire format, e.g.
// a tar layer archive) for on-demand upload and returns its digest for use
// in layer specs.
func (c *Client) AddArtifact(path string, kind jobspec.ArtifactKind) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("client: opening artifact %s: %w", path, err)
	}
	defer f.Close()
	d, err := digest.FromReader(f)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("client: hashing artifact %s: %w", path, err)
	}
	c.bg.registerArtifact(d, artifactSource{path: path, kind: kind})
	return d, nil
}

// AddJob submits spec and returns the job's identity immediately. The
// outcome is retrieved later with AwaitJob.
func (c *Client) AddJob(spec *jobspec.JobSpec) (jobspec.JobId, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.nextJobID++
	jid := jobspec.JobId(c.nextJobID)
	ch := make(chan jobspec.JobOutcome, 1)
	c.awaiting[jid] = ch
	c.mu.Unlock()

	if err := c.writeFrame(protocol.NewJobRequest(jid, spec)); err != nil {
		c.mu.Lock()
		delete(c.awaiting, jid)
		c.mu.Unlock()
		return 0, err
	}
	return jid, nil
}

// AwaitJob blocks until jid's terminal outcome arrives. Each job delivers
// exactly one outcome; a second AwaitJob for the same jid fails.
func (c *Client) AwaitJob(jid jobspec.JobId) (jobspec.JobOutcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return jobspec.JobOutcome{}, ErrClosed
	}
	ch, ok := c.awaiting[jid]
	c.mu.Unlock()
	if !ok {
		return jobspec.JobOutcome{}, fmt.Errorf("client: unknown or already-awaited job %d", jid)
	}
	outcome, ok := <-ch
	if !ok {
		return jobspec.JobOutcome{}, ErrClosed
	}
	c.mu.Lock()
	delete(c.awaiting, jid)
	c.mu.Unlock()
	return outcome, nil
}

// StateCounts requests a snapshot of job state counts from the broker and
// blocks for the reply. The counts cover every job the broker tracks, across
// all clients; they are not limited to this client's jobs.
func (c *Client) StateCounts() (protocol.JobStateCounts, error) {
	ch := make(chan protocol.JobStateCounts, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.JobStateCounts{}, ErrClosed
	}
	c.countsCh = append(c.countsCh, ch)
	c.mu.Unlock()

	if err := c.writeFrame(protocol.NewJobStateCountsRequest()); err != nil {
		return protocol.JobStateCounts{}, err
	}
	counts, ok := <-ch
	if !ok {
		return protocol.JobStateCounts{}, ErrClosed
	}
	return counts, nil
}

func (c *Client) writeFrame(msg protocol.ClientToBroker) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteMessage(c.fg, msg); err != nil {
		return fmt.Errorf("client: sending request: %w", err)
	}
	return nil
}

// readLoop dispatches background-forwarded broker messages to the
// foreground's waiters. Responses are serialized per connection, so each
// job's single terminal outcome resolves exactly one waiter.
func (c *Client) readLoop() {
	for {
		var msg protocol.BrokerToClient
		if err := wire.ReadMessage(c.fg, &msg); err != nil {
			c.Close()
			return
		}
		switch msg.Kind {
		case protocol.BrokerToClientJobResponse:
			// The entry stays until AwaitJob takes the outcome, so an
			// outcome that arrives before AwaitJob is called is kept.
			c.mu.Lock()
			if ch, ok := c.awaiting[msg.JobId]; ok && msg.Outcome != nil {
				select {
				case ch <- *msg.Outcome:
				default:
				}
			}
			c.mu.Unlock()
		case protocol.BrokerToClientJobStateCountsResponse:
			c.mu.Lock()
			var ch chan protocol.JobStateCounts
			if len(c.countsCh) > 0 {
				ch = c.countsCh[0]
				c.countsCh = c.countsCh[1:]
			}
			c.mu.Unlock()
			if ch != nil && msg.Counts != nil {
				ch <- *msg.Counts
			}
		case protocol.BrokerToClientArtifactsNeeded, protocol.BrokerToClientArtifactUploadResult:
			// Handled by the background; forwarded here only so the
			// foreground's view of the stream stays complete.
		}
	}
}


