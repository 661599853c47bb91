package local

import (
	"sync"

	"github.com/armon/circbuf"
)

// capture keeps the last N bytes written by one task invocation.
type capture struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newCapture(size int64) (*capture, error) {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &capture{buf: buf}, nil
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Truncated reports whether older output was dropped.
func (c *capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.TotalWritten() > c.buf.Size()
}
