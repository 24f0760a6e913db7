// Package registry is the server-side authority over live connections: which
// ones are authenticated, and which connection currently acts on behalf of a
// game account.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/model"
	"github.com/auxhub/auxhub/internal/proto"
	"github.com/auxhub/auxhub/internal/repository"
)

// DefaultGraceWindow bounds how long an authenticated connection's state
// survives after close, to tolerate fast reconnects without data loss.
const DefaultGraceWindow = 60 * time.Second

// Sender is the send-handle of a connection. The handle is owned by the
// connection's task; the registry shares it for sending only.
type Sender interface {
	Send(m proto.Message) error
}

type conn struct {
	id        model.ConnID
	user      *model.User
	send      Sender
	promoting bool
}

// Snapshot is a read-only view of a tracked connection.
type Snapshot struct {
	ID         model.ConnID
	User       *model.User
	Authorized bool
}

// Registry guards three structures: the all-connections table, the
// principal->connection-ids index, and the game-account->connection map.
// Every operation is internally atomic; no I/O happens under the lock.
type Registry struct {
	mu            sync.Mutex
	conns         map[model.ConnID]*conn
	byPrincipal   map[model.Principal][]model.ConnID
	byGameAccount map[string]model.ConnID
	evictions     map[model.ConnID]*time.Timer

	store repository.AccountRepository
	log   *zap.Logger
	grace time.Duration
}

// New constructs a registry. A non-positive grace falls back to
// DefaultGraceWindow.
func New(store repository.AccountRepository, log *zap.Logger, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Registry{
		conns:         make(map[model.ConnID]*conn),
		byPrincipal:   make(map[model.Principal][]model.ConnID),
		byGameAccount: make(map[string]model.ConnID),
		evictions:     make(map[model.ConnID]*time.Timer),
		store:         store,
		log:           log,
		grace:         grace,
	}
}

// InsertUnauthenticated tracks a fresh connection with only its send handle.
// An id collision should be impossible (ids are random and never reused) and
// is logged rather than failed.
func (r *Registry) InsertUnauthenticated(id model.ConnID, send Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		r.log.Warn("connection id collision on unauthenticated insert", zap.String("conn", id.String()))
	}
	r.conns[id] = &conn{id: id, send: send}
}

// InsertAuthenticated tracks a connection that is already bound to a user,
// recording it under the principal's index.
func (r *Registry) InsertAuthenticated(id model.ConnID, send Sender, user *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		r.log.Warn("connection id collision on authenticated insert", zap.String("conn", id.String()))
	}
	r.conns[id] = &conn{id: id, send: send, user: user}
	r.byPrincipal[user.ID] = append(r.byPrincipal[user.ID], id)
}

// Promote upgrades an unauthenticated connection. The authorize callback runs
// without the registry lock held (it issues tokens and writes to the
// connection's channel); only one concurrent Promote per id can win.
func (r *Registry) Promote(ctx context.Context, id model.ConnID, authorize func(ctx context.Context, send Sender) (*model.User, error)) (*model.User, error) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || c.user != nil || c.promoting {
		r.mu.Unlock()
		return nil, errs.ErrMissingConnection
	}
	c.promoting = true
	send := c.send
	r.mu.Unlock()

	user, err := authorize(ctx, send)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok = r.conns[id]
	if !ok {
		// Connection vanished mid-authorize; nothing to bind.
		return nil, errs.ErrMissingConnection
	}
	c.promoting = false
	if err != nil {
		return nil, err
	}
	c.user = user
	r.byPrincipal[user.ID] = append(r.byPrincipal[user.ID], id)
	return user, nil
}

// RemoveUnauthenticated drops a connection immediately, no grace period.
func (r *Registry) RemoveUnauthenticated(id model.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return
	}
	if c.user != nil {
		r.log.Warn("unauthenticated removal of an authorized connection",
			zap.String("conn", id.String()),
			zap.String("principal", string(c.user.ID)))
	}
	delete(r.conns, id)
}

// RemoveAuthenticated drops an authorized connection. It refuses while a game
// session is still active; callers must tear the session down first (Teardown
// or the grace-window eviction path).
func (r *Registry) RemoveAuthenticated(id model.ConnID, principal model.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return errs.ErrMissingConnection
	}
	if c.user != nil && c.user.Session != nil {
		return errs.ErrHasActiveSession
	}
	if !r.dropFromIndex(principal, id) {
		// Index corruption: detect loudly, never ignore.
		r.log.Warn("connection missing from principal index",
			zap.String("conn", id.String()),
			zap.String("principal", string(principal)))
		return errs.ErrMissingEntry
	}
	delete(r.conns, id)
	return nil
}

// Revoke removes the connection from the principal's index and takes the User
// out of the live entry, returning it for cleanup/notification. With
// allDevices, every connection indexed under the principal is revoked.
func (r *Registry) Revoke(principal model.Principal, id model.ConnID, allDevices bool) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := []model.ConnID{id}
	if allDevices {
		ids = append([]model.ConnID(nil), r.byPrincipal[principal]...)
	}

	var user *model.User
	for _, cid := range ids {
		if !r.dropFromIndex(principal, cid) {
			r.log.Warn("revoke target missing from principal index",
				zap.String("conn", cid.String()),
				zap.String("principal", string(principal)))
			if cid == id {
				return nil, errs.ErrMissingEntry
			}
			continue
		}
		c, ok := r.conns[cid]
		if !ok || c.user == nil {
			continue
		}
		if c.user.Session != nil {
			delete(r.byGameAccount, c.user.Session.GameAccountID)
		}
		if cid == id {
			user = c.user
		}
		c.user = nil
	}
	if user == nil {
		return nil, errs.ErrMissingConnection
	}
	return user, nil
}

// BindGameSession records that the connection's user logged into a game
// account. At most one authorized connection may hold a game account; a
// previous holder loses its session and its settings are flushed first.
func (r *Registry) BindGameSession(ctx context.Context, id model.ConnID, session *model.GameSession) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || c.user == nil {
		r.mu.Unlock()
		return errs.ErrMissingConnection
	}

	var (
		evicted   *model.GameSession
		evictedPr model.Principal
	)
	if prev, held := r.byGameAccount[session.GameAccountID]; held && prev != id {
		if pc, ok := r.conns[prev]; ok && pc.user != nil && pc.user.Session != nil {
			evicted = pc.user.Session
			evictedPr = pc.user.ID
			pc.user.Session = nil
		}
	}
	// Re-login on the same connection: per-character scope discards the old
	// transient state, wider scopes carry it over.
	if c.user.Session != nil && c.user.Scope != model.ScopePerCharacter {
		session.Settings = c.user.Session.Settings
	}
	c.user.Session = session
	r.byGameAccount[session.GameAccountID] = id
	r.mu.Unlock()

	if evicted != nil {
		if err := r.store.SaveSettings(ctx, evictedPr, evicted.Settings); err != nil {
			r.log.Warn("flush of evicted session settings failed",
				zap.String("principal", string(evictedPr)), zap.Error(err))
		}
	}
	return nil
}

// Teardown ends the connection's game session, persisting its settings first.
// Safe to call when no session is active.
func (r *Registry) Teardown(ctx context.Context, id model.ConnID) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || c.user == nil {
		r.mu.Unlock()
		return errs.ErrMissingConnection
	}
	session := c.user.Session
	principal := c.user.ID
	scope := c.user.Scope
	if session != nil {
		if scope == model.ScopePerPrincipal {
			// Transient state survives logout; only the blob is persisted.
			c.user.Session = &model.GameSession{
				GameAccountID: session.GameAccountID,
				CharacterID:   "",
				Settings:      session.Settings,
			}
		} else {
			c.user.Session = nil
			delete(r.byGameAccount, session.GameAccountID)
		}
	}
	r.mu.Unlock()

	if session != nil && session.Settings != nil {
		if err := r.store.SaveSettings(ctx, principal, session.Settings); err != nil {
			r.log.Warn("settings flush on teardown failed",
				zap.String("conn", id.String()),
				zap.String("principal", string(principal)),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// Close fully releases an authorized connection: flush settings, clear the
// session regardless of scope, then remove. Used on final connection close.
func (r *Registry) Close(ctx context.Context, id model.ConnID, principal model.Principal) error {
	r.CancelEviction(id)
	if err := r.Teardown(ctx, id); err != nil && !errors.Is(err, errs.ErrMissingConnection) {
		return err
	}
	r.clearSession(id)
	return r.RemoveAuthenticated(id, principal)
}

// ScheduleEviction starts the grace window for an authorized connection that
// just disconnected. When it elapses, settings are flushed and the connection
// removed. A reconnect inside the window cancels it via CancelEviction.
func (r *Registry) ScheduleEviction(id model.ConnID, principal model.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evictions[id]; exists {
		return
	}
	r.evictions[id] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		delete(r.evictions, id)
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Close(ctx, id, principal); err != nil {
			r.log.Warn("grace eviction failed",
				zap.String("conn", id.String()),
				zap.String("principal", string(principal)),
				zap.Error(err))
		}
	})
}

// CancelEviction stops a pending grace-window eviction, if any.
func (r *Registry) CancelEviction(id model.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.evictions[id]; ok {
		t.Stop()
		delete(r.evictions, id)
	}
}

// Send writes a message down the tracked connection's channel.
func (r *Registry) Send(id model.ConnID, m proto.Message) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return errs.ErrMissingConnection
	}
	return c.send.Send(m)
}

// Lookup returns a snapshot of the tracked connection.
func (r *Registry) Lookup(id model.ConnID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{ID: c.id, User: c.user, Authorized: c.user != nil}, true
}

// Counts reports tracked connections: total and authorized.
func (r *Registry) Counts() (total, authorized int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.conns)
	for _, c := range r.conns {
		if c.user != nil {
			authorized++
		}
	}
	return total, authorized
}

// AuthorizedConns returns the connection ids indexed under the principal.
func (r *Registry) AuthorizedConns(principal model.Principal) []model.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnID(nil), r.byPrincipal[principal]...)
}

// GameAccountHolder returns the connection currently acting for the game
// account, if any.
func (r *Registry) GameAccountHolder(accountID string) (model.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byGameAccount[accountID]
	return id, ok
}

func (r *Registry) clearSession(id model.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.user == nil || c.user.Session == nil {
		return
	}
	delete(r.byGameAccount, c.user.Session.GameAccountID)
	c.user.Session = nil
}

// dropFromIndex removes id from the principal's list. Caller holds the lock.
func (r *Registry) dropFromIndex(principal model.Principal, id model.ConnID) bool {
	ids := r.byPrincipal[principal]
	for i, cid := range ids {
		if cid == id {
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(r.byPrincipal, principal)
			} else {
				r.byPrincipal[principal] = ids
			}
			return true
		}
	}
	return false
}
