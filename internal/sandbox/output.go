package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// truncationMarker follows output that was cut at the limit. The argument
// is the original length in characters.
const truncationMarker = "\n... [output truncated: %d chars total]"

// cappedBuffer keeps the first limit characters written to it and counts
// the rest. It is written by the executing worker and may be read by the
// caller after a timeout, so access is locked.
type cappedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   strings.Builder
	kept  int
	total int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) WriteString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := utf8.RuneCountInString(s)
	c.total += n
	if c.kept >= c.limit {
		return
	}
	room := c.limit - c.kept
	if n <= room {
		c.buf.WriteString(s)
		c.kept += n
		return
	}
	i := 0
	for range room {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	c.buf.WriteString(s[:i])
	c.kept = c.limit
}

// Result returns the captured text and whether anything was dropped.
func (c *cappedBuffer) Result() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total <= c.limit {
		return c.buf.String(), false
	}
	return c.buf.String() + fmt.Sprintf(truncationMarker, c.total), true
}

// output is the pair of streams a single run writes to.
type output struct {
	stdout *cappedBuffer
	stderr *cappedBuffer
}

func newOutput(limit int) *output {
	return &output{stdout: newCappedBuffer(limit), stderr: newCappedBuffer(limit)}
}
