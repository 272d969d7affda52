package executor

import (
	"sync"

	"github.com/cuemby/maelstrom/pkg/jobspec"
)

// outputCapture accumulates one output stream up to a byte limit. Bytes
// past the limit are counted but discarded, turning the captured effect
// into a truncated one.
type outputCapture struct {
	limit int64

	mu    sync.Mutex
	buf   []byte
	total int64
}

func (o *outputCapture) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total += int64(len(p))
	if room := o.limit - int64(len(o.buf)); room > 0 {
		keep := p
		if int64(len(keep)) > room {
			keep = keep[:room]
		}
		o.buf = append(o.buf, keep...)
	}
	return len(p), nil
}

// Bytes returns the captured prefix.
func (o *outputCapture) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf
}

// Output converts the capture into the wire-level effect shape.
func (o *outputCapture) Output() jobspec.Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.total == 0:
		return jobspec.Output{Kind: jobspec.OutputNone}
	case o.total <= o.limit:
		return jobspec.Output{Kind: jobspec.OutputInline, Bytes: o.buf}
	default:
		return jobspec.Output{
			Kind:     jobspec.OutputTruncated,
			Bytes:    o.buf,
			TotalLen: uint64(o.total),
		}
	}
}


