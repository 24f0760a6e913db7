package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/proto"
)

type fakeFlow struct {
	codes   chan string
	errs    chan error
	calls   chan struct{}
	release chan struct{}
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{
		codes:   make(chan string, 4),
		errs:    make(chan error, 4),
		calls:   make(chan struct{}, 4),
		release: make(chan struct{}, 4),
	}
}

func (f *fakeFlow) Open(ctx context.Context) (string, error) {
	f.calls <- struct{}{}
	select {
	case <-f.release:
		if ctx.Err() != nil {
			// Superseded while waiting; hand the token to the live attempt.
			f.release <- struct{}{}
			return "", ctx.Err()
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case err := <-f.errs:
		return "", err
	default:
	}
	return <-f.codes, nil
}

type dispatchEnv struct {
	up     chan proto.Message
	fore   chan proto.Message
	pop    chan proto.Message
	upIn   chan proto.Message
	foreIn chan proto.Message
	popIn  chan proto.Message

	store *MemTokenStore
	flow  *fakeFlow
	d     *Dispatcher
}

func newDispatchEnv(t *testing.T, tweak func(*Config)) *dispatchEnv {
	t.Helper()

	env := &dispatchEnv{
		up:     make(chan proto.Message, 16),
		fore:   make(chan proto.Message, 16),
		pop:    make(chan proto.Message, 16),
		upIn:   make(chan proto.Message, 16),
		foreIn: make(chan proto.Message, 16),
		popIn:  make(chan proto.Message, 16),
		store:  &MemTokenStore{},
		flow:   newFakeFlow(),
	}

	gate := NewGate(func(m proto.Message) error {
		env.up <- m
		return nil
	})
	gate.SetOpen(true)

	cfg := Config{
		Gate:           gate,
		UpstreamIn:     env.upIn,
		ForegroundIn:   env.foreIn,
		PopupIn:        env.popIn,
		SendForeground: func(m proto.Message) { env.fore <- m },
		SendPopup:      func(m proto.Message) { env.pop <- m },
		Tokens:         env.store,
		Flow:           env.flow,
		Cookie:         func() string { return "session=abc" },
		Log:            zap.NewNop(),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	env.d = New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.d.Run(ctx)
	return env
}

func recvMsg(t *testing.T, ch chan proto.Message) proto.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived in time")
		return proto.Message{}
	}
}

func expectNone(t *testing.T, ch chan proto.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message: task %v kind %v", m.Task, m.Kind)
	case <-time.After(60 * time.Millisecond):
	}
}

func fromBackend(task proto.Task) proto.Message {
	m := proto.NewResponse(task, proto.Background)
	m.Sender = proto.Backend
	return m
}

func fromForeground(task proto.Task) proto.Message {
	m := proto.NewRequest(task, proto.Background)
	m.Sender = proto.Foreground
	return m
}

func fromPopup(task proto.Task) proto.Message {
	m := proto.NewRequest(task, proto.Background)
	m.Sender = proto.Popup
	return m
}

func TestDispatcherRejectsSpoofedSender(t *testing.T) {
	env := newDispatchEnv(t, nil)

	spoofed := fromPopup(proto.TaskUserData)
	env.foreIn <- spoofed

	// A valid request after the spoofed one proves it was dropped, not queued.
	env.foreIn <- fromForeground(proto.TaskCookie)

	resp := recvMsg(t, env.fore)
	require.Equal(t, proto.TaskCookie, resp.Task)
	require.Equal(t, "session=abc", resp.Cookie)
	expectNone(t, env.up)
}

func TestDispatcherRejectsWrongTarget(t *testing.T) {
	env := newDispatchEnv(t, nil)

	m := fromBackend(proto.TaskUserData)
	m.Target = proto.Popup
	m.Username = "ignored"
	env.upIn <- m

	env.foreIn <- fromForeground(proto.TaskUserData)
	req := recvMsg(t, env.up)
	require.Equal(t, proto.TaskUserData, req.Task, "cache must still be cold")
}

func TestUserDataFetchThenCache(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.foreIn <- fromForeground(proto.TaskUserData)

	req := recvMsg(t, env.up)
	require.Equal(t, proto.TaskUserData, req.Task)
	require.Equal(t, proto.Request, req.Kind)
	require.Equal(t, proto.Backend, req.Target)

	up := fromBackend(proto.TaskUserData)
	up.Username = "4217"
	up.Premium = &proto.Premium{Neon: true}
	env.upIn <- up

	resp := recvMsg(t, env.fore)
	require.Equal(t, "4217", resp.Username)
	require.NotNil(t, resp.Premium)
	require.True(t, resp.Premium.Neon)

	// Second ask is answered from the cache without touching the backend.
	env.popIn <- fromPopup(proto.TaskUserData)
	cached := recvMsg(t, env.pop)
	require.Equal(t, "4217", cached.Username)
	expectNone(t, env.up)
}

func TestUserDataConcurrentAsksShareOneFetch(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.foreIn <- fromForeground(proto.TaskUserData)
	env.popIn <- fromPopup(proto.TaskUserData)

	req := recvMsg(t, env.up)
	require.Equal(t, proto.TaskUserData, req.Task)
	expectNone(t, env.up)

	up := fromBackend(proto.TaskUserData)
	up.Username = "77"
	env.upIn <- up

	require.Equal(t, "77", recvMsg(t, env.fore).Username)
	require.Equal(t, "77", recvMsg(t, env.pop).Username)
}

func TestTokensResponseAppliedAndPersisted(t *testing.T) {
	env := newDispatchEnv(t, nil)

	scope := 1
	up := fromBackend(proto.TaskTokens)
	up.AccessToken = "acc"
	up.RefreshToken = "ref"
	up.SessionScope = &scope
	env.upIn <- up

	fwd := recvMsg(t, env.pop)
	require.Equal(t, "acc", fwd.AccessToken)
	require.Equal(t, "ref", fwd.RefreshToken)
	require.Equal(t, "ref", env.store.Load())
}

func TestTokensErrorForwardedVerbatim(t *testing.T) {
	env := newDispatchEnv(t, nil)

	up := fromBackend(proto.TaskTokens)
	empty := ""
	up.Error = &empty
	env.upIn <- up

	fwd := recvMsg(t, env.pop)
	require.NotNil(t, fwd.Error)
	require.Empty(t, *fwd.Error)
	require.Empty(t, env.store.Load(), "a failed login must not persist anything")
}

func TestLogOutClearsEverything(t *testing.T) {
	env := newDispatchEnv(t, nil)
	require.NoError(t, env.store.Save("old-refresh"))

	up := fromBackend(proto.TaskUserData)
	up.Username = "42"
	env.upIn <- up

	out := fromPopup(proto.TaskLogOut)
	out.LogOut = &proto.LogOut{AllDevices: true}
	env.popIn <- out

	req := recvMsg(t, env.up)
	require.Equal(t, proto.TaskLogOut, req.Task)
	require.Equal(t, proto.Backend, req.Target)
	require.NotNil(t, req.LogOut)
	require.True(t, req.LogOut.AllDevices)
	require.Empty(t, env.store.Load())

	// The cache is gone too: the next ask goes back to the backend.
	env.foreIn <- fromForeground(proto.TaskUserData)
	refetch := recvMsg(t, env.up)
	require.Equal(t, proto.TaskUserData, refetch.Task)
}

func TestConsentFlowDeliversCode(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.popIn <- fromPopup(proto.TaskOAuth2)
	<-env.flow.calls
	env.flow.codes <- "the-code"
	env.flow.release <- struct{}{}

	req := recvMsg(t, env.up)
	require.Equal(t, proto.TaskTokens, req.Task)
	require.Equal(t, "the-code", req.Code)
}

func TestConsentFlowRetriesOnce(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.popIn <- fromPopup(proto.TaskOAuth2)
	<-env.flow.calls
	env.flow.errs <- errors.New("window closed early")
	env.flow.release <- struct{}{}

	<-env.flow.calls
	env.flow.codes <- "second-try"
	env.flow.release <- struct{}{}

	req := recvMsg(t, env.up)
	require.Equal(t, "second-try", req.Code)
}

func TestConsentFlowSupersession(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.popIn <- fromPopup(proto.TaskOAuth2)
	<-env.flow.calls

	// The second attempt cancels the first; only its code may reach the wire.
	env.popIn <- fromPopup(proto.TaskOAuth2)
	<-env.flow.calls
	env.flow.codes <- "winner"
	env.flow.release <- struct{}{}

	req := recvMsg(t, env.up)
	require.Equal(t, "winner", req.Code)
	expectNone(t, env.up)
}

func TestConsentFlowFailureReachesPopup(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.popIn <- fromPopup(proto.TaskOAuth2)
	for i := 0; i < 2; i++ {
		<-env.flow.calls
		env.flow.errs <- errors.New("denied")
		env.flow.release <- struct{}{}
	}

	fail := recvMsg(t, env.pop)
	require.Equal(t, proto.TaskOAuth2, fail.Task)
	require.NotNil(t, fail.Error)
	require.Contains(t, *fail.Error, "denied")
}

func TestConsentFlowFailureStopsKeepAlive(t *testing.T) {
	env := newDispatchEnv(t, func(cfg *Config) {
		cfg.KeepAliveEvery = 200 * time.Millisecond
	})

	env.popIn <- fromPopup(proto.TaskOAuth2)
	for i := 0; i < 2; i++ {
		<-env.flow.calls
		env.flow.errs <- errors.New("window closed")
		env.flow.release <- struct{}{}
	}

	fail := recvMsg(t, env.pop)
	require.NotNil(t, fail.Error)

	// Drain pings emitted before the failure settled; afterwards the ticker
	// must be silent.
	time.Sleep(100 * time.Millisecond)
	for len(env.up) > 0 {
		<-env.up
	}
	select {
	case m := <-env.up:
		t.Fatalf("keep-alive kept running after the flow died: task %v", m.Task)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestKeepAliveDuringFlow(t *testing.T) {
	env := newDispatchEnv(t, func(cfg *Config) {
		cfg.KeepAliveEvery = 30 * time.Millisecond
	})

	env.popIn <- fromPopup(proto.TaskOAuth2)
	<-env.flow.calls

	ping := recvMsg(t, env.up)
	require.Equal(t, proto.TaskKeepAlive, ping.Task)
	require.Equal(t, proto.Event, ping.Kind)

	env.flow.codes <- "c"
	env.flow.release <- struct{}{}
}

func TestPopupOpenConfirmed(t *testing.T) {
	env := newDispatchEnv(t, nil)

	env.foreIn <- fromForeground(proto.TaskOpenPopup)
	ev := recvMsg(t, env.pop)
	require.Equal(t, proto.TaskOpenPopup, ev.Task)
	require.Equal(t, proto.Event, ev.Kind)

	env.popIn <- fromPopup(proto.TaskOpenPopup)
	resp := recvMsg(t, env.fore)
	require.Equal(t, proto.TaskOpenPopup, resp.Task)
	require.NotNil(t, resp.Popup)
	require.True(t, resp.Popup.Open)
}

func TestPopupOpenTimesOut(t *testing.T) {
	env := newDispatchEnv(t, func(cfg *Config) {
		cfg.PopupWait = 30 * time.Millisecond
	})

	env.foreIn <- fromForeground(proto.TaskOpenPopup)
	recvMsg(t, env.pop)

	resp := recvMsg(t, env.fore)
	require.NotNil(t, resp.Popup)
	require.False(t, resp.Popup.Open)
}

func TestInitSessionPassesThrough(t *testing.T) {
	env := newDispatchEnv(t, nil)

	m := fromForeground(proto.TaskInitSession)
	m.GameAccountID = "acct-9"
	m.CharacterID = "char-3"
	env.foreIn <- m

	up := recvMsg(t, env.up)
	require.Equal(t, proto.TaskInitSession, up.Task)
	require.Equal(t, proto.Backend, up.Target)
	require.Equal(t, proto.Background, up.Sender)
	require.Equal(t, "acct-9", up.GameAccountID)
	require.Equal(t, "char-3", up.CharacterID)
}

func TestOpeningMessage(t *testing.T) {
	env := newDispatchEnv(t, nil)

	m := env.d.OpeningMessage()
	require.Equal(t, proto.TaskHandshake, m.Task)

	require.NoError(t, env.store.Save("stored"))
	m = env.d.OpeningMessage()
	require.Equal(t, proto.TaskTokens, m.Task)
	require.Equal(t, "stored", m.RefreshToken)
}
