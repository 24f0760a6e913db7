package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/model"
	"github.com/auxhub/auxhub/internal/proto"
	"github.com/auxhub/auxhub/internal/registry"
)

// Per-connection state machine:
//
//	probe -> first message -> {unauthenticated loop | authenticated} -> close
//
// The unauthenticated path removes the connection immediately on exit; the
// authenticated path always goes through the registry's grace-window
// eviction, on every exit path including panics.
func (s *Server) serve(ws *websocket.Conn) {
	defer ws.Close()

	id, err := uuid.NewV4()
	if err != nil {
		s.log.Error("connection id generation failed", zap.Error(err))
		return
	}
	sender := newWSSender(ws)
	log := s.log.With(zap.String("conn", id.String()))

	// Liveness probe: ping, then require the first real message within the
	// bounded wait. A peer that only pongs, closes, or stays silent never
	// enters the message path.
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return
	}
	first, err := s.read(ws, probeWait)
	if err != nil {
		return
	}

	if err := proto.NewValidator(proto.Backend).Validate(&first); err != nil {
		s.m.violations.Inc()
		log.Warn("first message failed validation", zap.Error(err))
		sender.close(websocket.ClosePolicyViolation, "invalid message")
		return
	}

	switch {
	case first.Task == proto.TaskHandshake:
		s.m.handshakes.Inc()
		s.runUnauthenticated(ws, sender, id, log, &first)

	case first.Task == proto.TaskTokens && first.RefreshToken != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		account, principal, verr := s.auth.VerifyRefresh(ctx, first.RefreshToken)
		cancel()
		switch {
		case verr == nil:
			s.registry.InsertUnauthenticated(id, sender)
			if user := s.promoteWithRefresh(id, account, sender, log); user != nil {
				s.runAuthenticated(ws, id, user, log)
			} else {
				// The token was live but the account no longer qualifies;
				// the user can re-login with a code on this connection.
				s.registry.RemoveUnauthenticated(id)
				s.runUnauthenticated(ws, sender, id, log, nil)
			}
		case errors.Is(verr, errs.ErrTokenFraudulent):
			s.m.fraudulent.Inc()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.auth.FlagFraudulent(ctx, principal, id)
			cancel()
			sender.close(websocket.ClosePolicyViolation, "token rejected")
		case errors.Is(verr, errs.ErrStorage):
			// Infra failure closes this attempt without authenticating;
			// the client retries with the same token later.
			log.Error("refresh verification hit storage error", zap.Error(verr))
			sender.close(websocket.CloseInternalServerErr, "temporary failure")
		default:
			// Bad signature, expiry, stale version: let the user re-login.
			s.runUnauthenticated(ws, sender, id, log, nil)
		}

	default:
		s.m.violations.Inc()
		log.Warn("protocol violation on first message", zap.Stringer("task", first.Task))
		sender.close(websocket.ClosePolicyViolation, "unexpected task")
	}
}

// runUnauthenticated registers the connection and loops until a code login
// promotes it or the peer goes away. handshake is the originating message to
// respond to, if any.
func (s *Server) runUnauthenticated(ws *websocket.Conn, sender *wsSender, id model.ConnID, log *zap.Logger, handshake *proto.Message) {
	s.registry.InsertUnauthenticated(id, sender)
	promoted := false
	defer func() {
		// No grace for connections that never authenticated.
		if !promoted {
			s.registry.RemoveUnauthenticated(id)
		}
	}()

	if handshake != nil {
		if err := sender.Send(proto.NewResponse(proto.TaskHandshake, proto.Background)); err != nil {
			return
		}
	}

	v := proto.NewValidator(proto.Backend)
	for {
		msg, err := s.read(ws, idleWait)
		if err != nil {
			return
		}
		if err := v.Validate(&msg); err != nil {
			s.m.violations.Inc()
			log.Warn("unauthenticated message failed validation", zap.Error(err))
			sender.close(websocket.ClosePolicyViolation, "invalid message")
			return
		}

		switch msg.Task {
		case proto.TaskKeepAlive:
			// The user is mid-login in a separate UI; just stay alive.
			// The client paces these as events, so no kind constraint.
			continue

		case proto.TaskTokens:
			if msg.Kind != proto.Request {
				s.m.violations.Inc()
				log.Warn("login message with wrong kind", zap.Stringer("kind", msg.Kind))
				sender.close(websocket.ClosePolicyViolation, "invalid message")
				return
			}
			user := s.promoteWithCode(id, msg.Code, sender, log)
			if user != nil {
				promoted = true
				s.runAuthenticated(ws, id, user, log)
				return
			}

		default:
			s.m.violations.Inc()
			log.Warn("protocol violation while unauthenticated", zap.Stringer("task", msg.Task))
			sender.close(websocket.ClosePolicyViolation, "unexpected task")
			return
		}
	}
}

// promoteWithCode drives the authorization-code login through the registry's
// atomic promote. A nil return means the connection stays unauthenticated;
// the error response has already been sent.
func (s *Server) promoteWithCode(id model.ConnID, code string, sender *wsSender, log *zap.Logger) *model.User {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := s.registry.Promote(ctx, id, func(ctx context.Context, send registry.Sender) (*model.User, error) {
		login, err := s.auth.LoginWithCode(ctx, code, id)
		if err != nil {
			return nil, err
		}
		resp := proto.TokensResponse(proto.Background, login.AccessToken, login.RefreshToken,
			int(login.Account.Scope), wirePremium(login.Premium))
		if err := send.Send(resp); err != nil {
			return nil, err
		}
		return &model.User{ID: login.Account.Principal, Scope: login.Account.Scope}, nil
	})
	if err == nil {
		s.m.promotions.Inc()
		return user
	}

	reason := ""
	if !errors.Is(err, errs.ErrMissingCredentials) {
		reason = err.Error()
		log.Warn("code login failed", zap.Error(err))
	}
	// Empty reason tells the client "profile ok, membership missing".
	_ = sender.Send(proto.ErrorResponse(proto.TaskTokens, proto.Background, reason))
	return nil
}

// promoteWithRefresh finishes a refresh-token login for an already verified
// account. A nil return means the connection stays unauthenticated; the error
// response has already been sent.
func (s *Server) promoteWithRefresh(id model.ConnID, account *model.Account, sender *wsSender, log *zap.Logger) *model.User {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := s.registry.Promote(ctx, id, func(ctx context.Context, send registry.Sender) (*model.User, error) {
		login, err := s.auth.LoginWithRefresh(ctx, account, id)
		if err != nil {
			return nil, err
		}
		resp := proto.TokensResponse(proto.Background, login.AccessToken, login.RefreshToken,
			int(login.Account.Scope), wirePremium(login.Premium))
		if err := send.Send(resp); err != nil {
			return nil, err
		}
		return &model.User{ID: login.Account.Principal, Scope: login.Account.Scope}, nil
	})
	if err == nil {
		s.m.promotions.Inc()
		return user
	}

	reason := ""
	if !errors.Is(err, errs.ErrMissingCredentials) {
		reason = err.Error()
		log.Warn("refresh login failed", zap.Error(err))
	}
	// Empty reason tells the client "profile ok, membership missing".
	_ = sender.Send(proto.ErrorResponse(proto.TaskTokens, proto.Background, reason))
	return nil
}

// runAuthenticated serves an authorized connection until it closes. The
// deferred eviction is the cleanup guarantee: it fires on every exit path,
// normal EOF, protocol violation, or panic.
func (s *Server) runAuthenticated(ws *websocket.Conn, id model.ConnID, user *model.User, log *zap.Logger) {
	s.registry.CancelEviction(id)
	loggedOut := false
	defer func() {
		if loggedOut {
			return
		}
		s.registry.ScheduleEviction(id, user.ID)
	}()

	log = log.With(zap.String("principal", string(user.ID)))
	log.Info("connection authenticated")

	v := proto.NewValidator(proto.Backend)
	for {
		msg, err := s.read(ws, idleWait)
		if err != nil {
			return
		}
		if err := v.Validate(&msg); err != nil {
			s.m.violations.Inc()
			log.Warn("authenticated message failed validation", zap.Error(err))
			return
		}

		switch msg.Task {
		case proto.TaskKeepAlive:
			continue

		case proto.TaskUserData:
			s.handleUserData(id, user, log)

		case proto.TaskInitSession:
			s.handleInitSession(id, &msg, log)

		case proto.TaskTerminateSession:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.registry.Teardown(ctx, id); err != nil {
				log.Warn("session teardown failed", zap.Error(err))
			}
			cancel()
			_ = s.registry.Send(id, proto.NewResponse(proto.TaskTerminateSession, proto.Background))

		case proto.TaskLogOut:
			allDevices := msg.LogOut != nil && msg.LogOut.AllDevices
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.registry.Teardown(ctx, id); err != nil && !errors.Is(err, errs.ErrMissingConnection) {
				log.Warn("logout teardown failed", zap.Error(err))
			}
			cancel()
			if _, err := s.registry.Revoke(user.ID, id, allDevices); err != nil {
				log.Warn("revoke failed", zap.Error(err))
			}
			_ = s.registry.Send(id, proto.NewResponse(proto.TaskLogOut, proto.Background))
			s.registry.RemoveUnauthenticated(id)
			loggedOut = true
			return

		default:
			s.m.violations.Inc()
			log.Warn("protocol violation while authenticated", zap.Stringer("task", msg.Task))
			return
		}
	}
}

func (s *Server) handleUserData(id model.ConnID, user *model.User, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	account, premium, err := s.auth.Snapshot(ctx, user.ID)
	if err != nil {
		log.Warn("user data lookup failed", zap.Error(err))
		_ = s.registry.Send(id, proto.ErrorResponse(proto.TaskUserData, proto.Background, "lookup failed"))
		return
	}
	resp := proto.NewResponse(proto.TaskUserData, proto.Background)
	resp.Username = string(account.Principal)
	resp.Premium = wirePremium(premium)
	scope := int(account.Scope)
	resp.SessionScope = &scope
	_ = s.registry.Send(id, resp)
}

func (s *Server) handleInitSession(id model.ConnID, msg *proto.Message, log *zap.Logger) {
	if msg.GameAccountID == "" {
		_ = s.registry.Send(id, proto.ErrorResponse(proto.TaskInitSession, proto.Background, "missing game account"))
		return
	}
	session := &model.GameSession{
		GameAccountID: msg.GameAccountID,
		CharacterID:   msg.CharacterID,
		Settings:      model.Settings(msg.Settings),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.registry.BindGameSession(ctx, id, session); err != nil {
		log.Warn("init session failed", zap.Error(err))
		_ = s.registry.Send(id, proto.ErrorResponse(proto.TaskInitSession, proto.Background, err.Error()))
		return
	}
	_ = s.registry.Send(id, proto.NewResponse(proto.TaskInitSession, proto.Background))
}

// read blocks for the next text message within the deadline.
func (s *Server) read(ws *websocket.Conn, wait time.Duration) (proto.Message, error) {
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return proto.Message{}, err
	}
	return proto.Decode(data)
}

func wirePremium(p *model.Premium) *proto.Premium {
	if p == nil {
		return nil
	}
	return &proto.Premium{Exp: p.Exp, Neon: p.Neon, Animation: p.Animation, Antyduch: p.Antyduch}
}
