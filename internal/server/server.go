// Package server exposes the backend WebSocket endpoint and runs the
// per-connection handshake state machine over the session registry.
package server

import (
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/auth"
	"github.com/auxhub/auxhub/internal/registry"
)

// Timeouts for the per-connection protocol.
const (
	// probeWait bounds the liveness probe: a fresh connection must deliver its
	// first real message within this window or it is dropped.
	probeWait = 5 * time.Second
	// idleWait bounds silence on an established connection; KeepAlive resets it.
	idleWait = 90 * time.Second
)

type serverMetrics struct {
	connections *metrics.Counter
	handshakes  *metrics.Counter
	promotions  *metrics.Counter
	fraudulent  *metrics.Counter
	violations  *metrics.Counter
}

func newServerMetrics(set *metrics.Set) *serverMetrics {
	return &serverMetrics{
		connections: set.NewCounter(`auxhub_connections_total`),
		handshakes:  set.NewCounter(`auxhub_handshakes_total`),
		promotions:  set.NewCounter(`auxhub_promotions_total`),
		fraudulent:  set.NewCounter(`auxhub_fraudulent_tokens_total`),
		violations:  set.NewCounter(`auxhub_protocol_violations_total`),
	}
}

// Server owns the transport endpoint. Everything long-lived (registry, auth,
// logger, metrics) is injected; the server itself holds no global state.
type Server struct {
	registry *registry.Registry
	auth     *auth.Service
	log      *zap.Logger
	upgrader websocket.Upgrader
	m        *serverMetrics
}

// New constructs a server.
func New(reg *registry.Registry, authSvc *auth.Service, log *zap.Logger, set *metrics.Set) *Server {
	return &Server{
		registry: reg,
		auth:     authSvc,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension background process connects from an extension
			// origin; the token handshake is the access control, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		m: newServerMetrics(set),
	}
}

// Handler returns the HTTP handler that upgrades connections and hands them
// to the state machine.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.m.connections.Inc()
		go s.serve(ws)
	})
	return mux
}
