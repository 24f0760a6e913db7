// Package bridge implements the extension background process: a router
// multiplexing the backend socket, the in-page foreground script and the
// popup UI onto one session, revalidating every inbound message with the same
// rules as the server.
package bridge

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/proto"
)

// Defaults for the dispatcher's bounded waits.
const (
	// DefaultFlowTimeout bounds the whole interactive consent flow.
	DefaultFlowTimeout = 2 * time.Minute
	// DefaultPopupWait bounds the popup-open confirmation; elapsing means
	// "failed to open", which may be a false negative and is not an error.
	DefaultPopupWait = 3 * time.Second
	// DefaultKeepAliveEvery paces upstream pings while a consent flow keeps
	// the user away from the socket.
	DefaultKeepAliveEvery = 20 * time.Second
)

// ConsentFlow opens the provider's interactive consent UI and resolves to an
// authorization code.
type ConsentFlow interface {
	Open(ctx context.Context) (code string, err error)
}

// Config wires the dispatcher's three peers and its collaborators. Inbound
// channels are FIFO per peer; no ordering holds across peers.
type Config struct {
	Gate         *Gate
	UpstreamIn   <-chan proto.Message
	ForegroundIn <-chan proto.Message
	PopupIn      <-chan proto.Message

	SendForeground func(proto.Message)
	SendPopup      func(proto.Message)

	Tokens TokenStore
	Flow   ConsentFlow
	Cookie func() string
	Log    *zap.Logger

	FlowTimeout    time.Duration
	PopupWait      time.Duration
	KeepAliveEvery time.Duration
}

// session is the one shared state all three queues converge on. It is owned
// exclusively by the Run goroutine.
type session struct {
	username string
	premium  *proto.Premium
	scope    *int
	access   string
	refresh  string
}

type flowResult struct {
	gen  int
	code string
	err  error
}

// Dispatcher services the three peer queues. Construct with New, drive with
// Run.
type Dispatcher struct {
	cfg  Config
	sess session

	vUpstream   proto.Validator
	vForeground proto.Validator
	vPopup      proto.Validator

	flowGen     int
	flowCancel  context.CancelFunc
	flowResults chan flowResult

	pendingUserData []proto.Role
	popupWait       <-chan time.Time
	popupTimer      *time.Timer
}

// New constructs a dispatcher. Zero durations fall back to the defaults.
func New(cfg Config) *Dispatcher {
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = DefaultFlowTimeout
	}
	if cfg.PopupWait <= 0 {
		cfg.PopupWait = DefaultPopupWait
	}
	if cfg.KeepAliveEvery <= 0 {
		cfg.KeepAliveEvery = DefaultKeepAliveEvery
	}
	return &Dispatcher{
		cfg:         cfg,
		vUpstream:   proto.NewValidator(proto.Background),
		vForeground: proto.NewValidator(proto.Background),
		vPopup:      proto.NewValidator(proto.Background),
		flowResults: make(chan flowResult, 8),
	}
}

// Run services all queues until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	keepAlive := time.NewTicker(d.cfg.KeepAliveEvery)
	keepAlive.Stop()
	defer keepAlive.Stop()
	flowActive := false

	for {
		select {
		case <-ctx.Done():
			d.cancelFlow()
			return

		case m := <-d.cfg.UpstreamIn:
			if !d.admit(&m, d.vUpstream, proto.Backend) {
				continue
			}
			if d.handleUpstream(&m) && flowActive {
				// Tokens settled the flow's outcome; stop pinging.
				keepAlive.Stop()
				flowActive = false
			}

		case m := <-d.cfg.ForegroundIn:
			if !d.admit(&m, d.vForeground, proto.Foreground) {
				continue
			}
			d.handleForeground(&m)

		case m := <-d.cfg.PopupIn:
			if !d.admit(&m, d.vPopup, proto.Popup) {
				continue
			}
			if d.handlePopup(&m) {
				keepAlive.Reset(d.cfg.KeepAliveEvery)
				flowActive = true
			}

		case res := <-d.flowResults:
			if res.gen != d.flowGen {
				// Superseded by a newer login attempt.
				continue
			}
			if d.finishFlow(res) && flowActive {
				// The flow died locally; no Tokens response will ever
				// arrive to stop the pinging.
				keepAlive.Stop()
				flowActive = false
			}

		case <-keepAlive.C:
			_ = d.cfg.Gate.Send(proto.NewEvent(proto.TaskKeepAlive, proto.Backend))

		case <-d.popupWait:
			d.popupWait = nil
			d.popupTimer = nil
			resp := proto.NewResponse(proto.TaskOpenPopup, proto.Foreground)
			resp.Popup = &proto.PopupState{Open: false}
			d.toForeground(resp)
		}
	}
}

// admit runs the shared validation chokepoint: the claimed sender must match
// the channel the message arrived on, and the target must be this process.
// Failures are logged and abort that message, never silently dropped.
func (d *Dispatcher) admit(m *proto.Message, v proto.Validator, from proto.Role) bool {
	if m.Sender != from {
		d.cfg.Log.Warn("message with spoofed sender",
			zap.Stringer("claimed", m.Sender),
			zap.Stringer("channel", from))
		return false
	}
	if err := v.Validate(m); err != nil {
		d.cfg.Log.Warn("inbound message failed validation",
			zap.Stringer("from", from),
			zap.Error(err))
		return false
	}
	return true
}

// handleUpstream routes backend messages. Returns true when the message
// settles a login flow (a Tokens response, success or failure).
func (d *Dispatcher) handleUpstream(m *proto.Message) bool {
	switch m.Task {
	case proto.TaskTokens:
		if m.Kind != proto.Response {
			return false
		}
		if m.Error != nil {
			// Forward verbatim; an empty reason renders the join
			// call-to-action, a non-empty one the hard failure.
			d.toPopup(*m)
			return true
		}
		d.sess.access = m.AccessToken
		d.sess.refresh = m.RefreshToken
		d.sess.scope = m.SessionScope
		d.sess.premium = m.Premium
		if err := d.cfg.Tokens.Save(m.RefreshToken); err != nil {
			d.cfg.Log.Warn("persisting refresh token failed", zap.Error(err))
		}
		d.toPopup(*m)
		return true

	case proto.TaskUserData:
		if m.Kind != proto.Response {
			return false
		}
		d.sess.username = m.Username
		d.sess.premium = m.Premium
		for _, dest := range d.pendingUserData {
			d.replyUserData(dest)
		}
		d.pendingUserData = nil

	case proto.TaskLogOut:
		d.toPopup(*m)

	case proto.TaskKeepAlive, proto.TaskHandshake:
		// Liveness/handshake acks need no routing.

	default:
		d.cfg.Log.Warn("unrouted upstream task", zap.Stringer("task", m.Task))
	}
	return false
}

func (d *Dispatcher) handleForeground(m *proto.Message) {
	switch m.Task {
	case proto.TaskUserData:
		d.requestUserData(proto.Foreground)

	case proto.TaskCookie:
		resp := proto.NewResponse(proto.TaskCookie, proto.Foreground)
		if d.cfg.Cookie != nil {
			resp.Cookie = d.cfg.Cookie()
		}
		d.toForeground(resp)

	case proto.TaskOpenPopup:
		d.toPopup(proto.NewEvent(proto.TaskOpenPopup, proto.Popup))
		if d.popupTimer != nil {
			d.popupTimer.Stop()
		}
		d.popupTimer = time.NewTimer(d.cfg.PopupWait)
		d.popupWait = d.popupTimer.C

	case proto.TaskInitSession, proto.TaskTerminateSession:
		// Game login/logout announcements pass through to the backend.
		up := *m
		up.Target = proto.Backend
		_ = d.cfg.Gate.Send(up)

	case proto.TaskKeepAlive:

	default:
		d.cfg.Log.Warn("unrouted foreground task", zap.Stringer("task", m.Task))
	}
}

// handlePopup routes popup messages. Returns true when an interactive consent
// flow was started.
func (d *Dispatcher) handlePopup(m *proto.Message) bool {
	switch m.Task {
	case proto.TaskOAuth2:
		d.startFlow()
		return true

	case proto.TaskUserData:
		d.requestUserData(proto.Popup)

	case proto.TaskLogOut:
		d.logOut(m)

	case proto.TaskOpenPopup:
		// Confirmation that the popup came up before the bounded wait ran out.
		if d.popupTimer != nil {
			d.popupTimer.Stop()
			d.popupTimer = nil
			d.popupWait = nil
			resp := proto.NewResponse(proto.TaskOpenPopup, proto.Foreground)
			resp.Popup = &proto.PopupState{Open: true}
			d.toForeground(resp)
		}

	default:
		d.cfg.Log.Warn("unrouted popup task", zap.Stringer("task", m.Task))
	}
	return false
}

// startFlow launches the interactive consent flow, superseding any in-flight
// attempt: the old context is cancelled and its pending result dropped by
// generation.
func (d *Dispatcher) startFlow() {
	d.cancelFlow()
	d.flowGen++
	gen := d.flowGen

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FlowTimeout)
	d.flowCancel = cancel

	go func() {
		var code string
		err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(time.Second)), func(ctx context.Context) error {
			c, ferr := d.cfg.Flow.Open(ctx)
			if ferr != nil {
				return retry.RetryableError(ferr)
			}
			code = c
			return nil
		})
		d.flowResults <- flowResult{gen: gen, code: code, err: err}
	}()
}

func (d *Dispatcher) cancelFlow() {
	if d.flowCancel != nil {
		d.flowCancel()
		d.flowCancel = nil
	}
}

// finishFlow resolves a completed consent attempt. Returns true when the
// flow settled locally (failure never reaches the backend); a successful code
// settles later, via the upstream Tokens response.
func (d *Dispatcher) finishFlow(res flowResult) bool {
	d.cancelFlow()
	if res.err != nil {
		d.cfg.Log.Warn("consent flow failed", zap.Error(res.err))
		d.toPopup(proto.ErrorResponse(proto.TaskOAuth2, proto.Popup, res.err.Error()))
		return true
	}
	m := proto.NewRequest(proto.TaskTokens, proto.Backend)
	m.Code = res.code
	_ = d.cfg.Gate.Send(m)
	return false
}

func (d *Dispatcher) requestUserData(dest proto.Role) {
	if d.sess.username != "" {
		d.replyUserData(dest)
		return
	}
	if len(d.pendingUserData) == 0 {
		_ = d.cfg.Gate.Send(proto.NewRequest(proto.TaskUserData, proto.Backend))
	}
	d.pendingUserData = append(d.pendingUserData, dest)
}

func (d *Dispatcher) replyUserData(dest proto.Role) {
	resp := proto.NewResponse(proto.TaskUserData, dest)
	resp.Username = d.sess.username
	resp.Premium = d.sess.premium
	resp.SessionScope = d.sess.scope
	switch dest {
	case proto.Popup:
		d.toPopup(resp)
	default:
		d.toForeground(resp)
	}
}

func (d *Dispatcher) logOut(m *proto.Message) {
	d.sess = session{}
	if err := d.cfg.Tokens.Clear(); err != nil {
		d.cfg.Log.Warn("clearing stored refresh token failed", zap.Error(err))
	}
	up := proto.NewRequest(proto.TaskLogOut, proto.Backend)
	up.LogOut = m.LogOut
	_ = d.cfg.Gate.Send(up)
}

func (d *Dispatcher) toForeground(m proto.Message) {
	m.Sender = proto.Background
	if d.cfg.SendForeground != nil {
		d.cfg.SendForeground(m)
	}
}

func (d *Dispatcher) toPopup(m proto.Message) {
	m.Sender = proto.Background
	if d.cfg.SendPopup != nil {
		d.cfg.SendPopup(m)
	}
}

// OpeningMessage produces the first message for each backend connection: a
// refresh login when a token is stored, a plain handshake otherwise. Wire it
// to Upstream.Opening.
func (d *Dispatcher) OpeningMessage() proto.Message {
	if refresh := d.cfg.Tokens.Load(); refresh != "" {
		m := proto.NewRequest(proto.TaskTokens, proto.Backend)
		m.RefreshToken = refresh
		return m
	}
	return proto.NewRequest(proto.TaskHandshake, proto.Backend)
}
