package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/proto"
)

const writeWait = 10 * time.Second

// wsSender serializes writes to a websocket connection. The sender role is
// stamped here, centrally, so the application layer can never spoof it.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSSender(ws *websocket.Conn) *wsSender {
	return &wsSender{ws: ws}
}

// Send encodes and writes one message.
func (s *wsSender) Send(m proto.Message) error {
	m.Sender = proto.Backend
	data, err := m.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.ErrMessaging
	}
	return nil
}

func (s *wsSender) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
