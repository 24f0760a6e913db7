package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/proto"
)

// Upstream maintains the backend socket: it dials, pumps inbound messages
// onto its channel, and reconnects with backoff. Outbound writes go through
// its Gate, which buffers while the socket is down.
type Upstream struct {
	url  string
	log  *zap.Logger
	gate *Gate
	in   chan proto.Message

	// Opening produces the first message of each established connection:
	// a Handshake request, or a Tokens request when a refresh token is
	// stored. Defaults to Handshake.
	Opening func() proto.Message

	mu sync.Mutex
	ws *websocket.Conn
}

// NewUpstream constructs the socket client for the backend URL.
func NewUpstream(url string, log *zap.Logger) *Upstream {
	u := &Upstream{
		url: url,
		log: log,
		in:  make(chan proto.Message, 32),
	}
	u.gate = NewGate(u.write)
	u.Opening = func() proto.Message { return proto.NewRequest(proto.TaskHandshake, proto.Backend) }
	return u
}

// Gate returns the gated outbound queue.
func (u *Upstream) Gate() *Gate { return u.gate }

// In returns the inbound message channel.
func (u *Upstream) In() <-chan proto.Message { return u.in }

func (u *Upstream) write(m proto.Message) error {
	u.mu.Lock()
	ws := u.ws
	u.mu.Unlock()
	if ws == nil {
		return errs.ErrMessaging
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.ErrMessaging
	}
	return nil
}

// Run keeps the socket connected until the context ends. Each established
// connection opens with a Handshake request.
func (u *Upstream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := u.connectAndPump(ctx); err != nil {
			u.log.Warn("backend socket lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (u *Upstream) connectAndPump(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.ws = ws
	u.mu.Unlock()

	defer func() {
		u.gate.SetOpen(false)
		u.mu.Lock()
		u.ws = nil
		u.mu.Unlock()
		ws.Close()
	}()

	// The server probes with a ping before anything else; answer and open.
	ws.SetPingHandler(func(string) error {
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(10*time.Second))
	})

	opening := u.Opening()
	opening.Sender = proto.Background
	if err := u.write(opening); err != nil {
		return err
	}
	u.gate.SetOpen(true)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		m, err := proto.Decode(data)
		if err != nil {
			u.log.Warn("undecodable backend message", zap.Error(err))
			continue
		}
		select {
		case u.in <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
