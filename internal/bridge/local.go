package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/proto"
)

// LocalHub serves the two extension pages over local websocket endpoints,
// one connection per role. A new connection for a role replaces the old one.
type LocalHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	foreIn chan proto.Message
	popIn  chan proto.Message

	mu    sync.Mutex
	peers map[proto.Role]*websocket.Conn
}

// NewLocalHub constructs the hub.
func NewLocalHub(log *zap.Logger) *LocalHub {
	return &LocalHub{
		log: log,
		upgrader: websocket.Upgrader{
			// Local loopback endpoint; extension pages carry no usable Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		foreIn: make(chan proto.Message, 32),
		popIn:  make(chan proto.Message, 32),
		peers:  make(map[proto.Role]*websocket.Conn),
	}
}

// ForegroundIn returns the inbound queue from the in-page script.
func (h *LocalHub) ForegroundIn() <-chan proto.Message { return h.foreIn }

// PopupIn returns the inbound queue from the popup UI.
func (h *LocalHub) PopupIn() <-chan proto.Message { return h.popIn }

// Handler returns the HTTP handler exposing /foreground and /popup.
func (h *LocalHub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/foreground", func(w http.ResponseWriter, r *http.Request) {
		h.accept(w, r, proto.Foreground, h.foreIn)
	})
	mux.HandleFunc("/popup", func(w http.ResponseWriter, r *http.Request) {
		h.accept(w, r, proto.Popup, h.popIn)
	})
	return mux
}

func (h *LocalHub) accept(w http.ResponseWriter, r *http.Request, role proto.Role, in chan<- proto.Message) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("local upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	if prev := h.peers[role]; prev != nil {
		prev.Close()
	}
	h.peers[role] = ws
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.peers[role] == ws {
			delete(h.peers, role)
		}
		h.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := proto.Decode(data)
		if err != nil {
			h.log.Warn("undecodable local message", zap.Stringer("role", role), zap.Error(err))
			continue
		}
		// The endpoint, not the payload, determines who is speaking.
		m.Sender = role
		in <- m
	}
}

// Send delivers a message to the page holding the role's endpoint. Messages
// to an unconnected page are dropped; the pages re-request state on connect.
func (h *LocalHub) Send(role proto.Role, m proto.Message) {
	h.mu.Lock()
	ws := h.peers[role]
	h.mu.Unlock()
	if ws == nil {
		return
	}
	data, err := m.Encode()
	if err != nil {
		h.log.Warn("encoding local message failed", zap.Error(err))
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.Warn("local write failed", zap.Stringer("role", role), zap.Error(err))
	}
}
