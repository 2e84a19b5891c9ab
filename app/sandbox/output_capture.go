package sandbox

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture captures interpreter output (stdout+stderr combined).
// it keeps the last N lines in a circular buffer. thread safe for concurrent writes.
type OutputCapture struct {
	maxLines int
	lines    []string
	partial  []byte // unterminated tail of the last write
	mu       sync.Mutex
}

// NewOutputCapture creates io.Writer that captures output limited to last max lines
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{maxLines: maximum}
}

// Write satisfies io.Writer interface. Lines split across writes are joined.
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines == 0 {
		return len(p), nil // disabled, don't capture anything
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	data := append(o.partial, p...)
	o.partial = nil
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		o.add(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > 0 {
		o.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (o *OutputCapture) add(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(o.lines) >= o.maxLines {
		o.lines = o.lines[1:]
	}
	o.lines = append(o.lines, string(line))
}

// Output returns the captured output as a single string, including an unterminated last line
func (o *OutputCapture) Output() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.lines
	if len(o.partial) > 0 {
		lines = append(append([]string(nil), lines...), string(o.partial))
		if len(lines) > o.maxLines {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}
