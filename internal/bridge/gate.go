package bridge

import (
	"sync"

	"github.com/auxhub/auxhub/internal/proto"
)

// Gate is the outbound queue to the backend socket. Messages queued while the
// socket is not open are buffered and flushed in order once it is.
type Gate struct {
	mu    sync.Mutex
	open  bool
	buf   []proto.Message
	write func(proto.Message) error
}

// NewGate wraps the raw socket writer. The gate starts closed.
func NewGate(write func(proto.Message) error) *Gate {
	return &Gate{write: write}
}

// Send writes the message now if the socket is open, otherwise buffers it.
// The sender role is stamped here so the application layer cannot spoof it.
// Writes happen under the mutex: a Send racing a reconnect flush cannot
// overtake older buffered messages.
func (g *Gate) Send(m proto.Message) error {
	m.Sender = proto.Background
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.buf = append(g.buf, m)
		return nil
	}
	return g.write(m)
}

// SetOpen updates the connection state; opening flushes the buffer in FIFO
// order. A write failure mid-flush drops the remainder; the socket is gone
// and the next connection starts clean.
func (g *Gate) SetOpen(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = open
	if !open {
		return
	}
	pending := g.buf
	g.buf = nil
	for _, m := range pending {
		if err := g.write(m); err != nil {
			return
		}
	}
}

// Open reports the current connection state.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
