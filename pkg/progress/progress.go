// Package progress renders a test run's advancement. The indicator is a
// small tagged variant rather than an interface hierarchy: Bar draws an
// in-place status line, Quiet suppresses everything but explicit output,
// and Test records lines for assertions.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cuemby/maelstrom/pkg/protocol"
)

// Kind selects the indicator's behavior.
type Kind int

const (
	// Bar draws a live counts line, rewritten in place.
	Bar Kind = iota
	// Quiet suppresses the counts line; Println still writes through.
	Quiet
	// Test records everything in memory for assertions.
	Test
)

// Indicator publishes job-state progress and result lines. Methods are
// safe for concurrent use.
type Indicator struct {
	kind Kind
	out  io.Writer

	mu       sync.Mutex
	lastLine int  // width of the bar line currently drawn
	finished bool
	recorded []string
}

// New creates an indicator of the given kind writing to out. A Test
// indicator ignores out.
func New(kind Kind, out io.Writer) *Indicator {
	return &Indicator{kind: kind, out: out}
}

// UpdateState redraws the counts line from a broker snapshot. total is the
// predicted job count for the run (see pkg/testlisting).
func (i *Indicator) UpdateState(counts protocol.JobStateCounts, total uint64) {
	line := fmt.Sprintf("waiting %d/%d pending %d/%d running %d/%d complete %d/%d",
		counts.WaitingForArtifacts, total, counts.Pending, total,
		counts.Running, total, counts.Complete, total)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finished {
		return
	}
	switch i.kind {
	case Bar:
		i.drawLocked(line)
	case Test:
		i.recorded = append(i.recorded, line)
	}
}

// Println writes one permanent line, repainting the bar under it.
func (i *Indicator) Println(line string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.kind {
	case Test:
		i.recorded = append(i.recorded, line)
	default:
		i.clearLocked()
		fmt.Fprintln(i.out, line)
	}
}

// Finished clears the bar; further updates are ignored.
func (i *Indicator) Finished() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clearLocked()
	i.finished = true
}

// Lines returns everything a Test indicator recorded.
func (i *Indicator) Lines() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.recorded...)
}

func (i *Indicator) drawLocked(line string) {
	pad := ""
	if n := i.lastLine - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(i.out, "\r%s%s", line, pad)
	i.lastLine = len(line)
}

func (i *Indicator) clearLocked() {
	if i.kind == Bar && i.lastLine > 0 {
		fmt.Fprintf(i.out, "\r%s\r", strings.Repeat(" ", i.lastLine))
		i.lastLine = 0
	}
}
