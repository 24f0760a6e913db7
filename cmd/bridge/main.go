// Command auxhub-bridge runs the extension background process: it keeps the
// backend socket alive and routes the local foreground and popup pages.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/bridge"
	"github.com/auxhub/auxhub/internal/proto"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	// Flags
	backendURL := flag.String("backend-url", "ws://localhost:8080/ws", "backend websocket URL")
	localAddr := flag.String("local-addr", "127.0.0.1:8765", "local endpoint for the extension pages")
	tokenDir := flag.String("token-dir", bridge.DefaultTokenDir(), "directory holding the stored refresh token")
	authorizeURL := flag.String("authorize-url", "https://discord.com/oauth2/authorize", "provider consent page")
	clientID := flag.String("client-id", "", "OAuth client id")
	redirectURI := flag.String("redirect-uri", "http://127.0.0.1:8766/callback", "registered OAuth redirect URI")
	scopes := flag.String("scopes", "identify email guilds.members.read", "OAuth scopes")
	gameCookie := flag.String("game-cookie", "", "session cookie handed to the in-page script")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("backend", *backendURL),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := bridge.NewFileTokenStore(*tokenDir)
	hub := bridge.NewLocalHub(logger)
	up := bridge.NewUpstream(*backendURL, logger)

	d := bridge.New(bridge.Config{
		Gate:         up.Gate(),
		UpstreamIn:   up.In(),
		ForegroundIn: hub.ForegroundIn(),
		PopupIn:      hub.PopupIn(),
		SendForeground: func(m proto.Message) {
			hub.Send(proto.Foreground, m)
		},
		SendPopup: func(m proto.Message) {
			hub.Send(proto.Popup, m)
		},
		Tokens: tokens,
		Flow: &bridge.BrowserFlow{
			AuthorizeURL: *authorizeURL,
			ClientID:     *clientID,
			RedirectURI:  *redirectURI,
			Scopes:       *scopes,
			Log:          logger,
		},
		Cookie: func() string { return *gameCookie },
		Log:    logger,
	})
	up.Opening = d.OpeningMessage

	go up.Run(ctx)
	go d.Run(ctx)

	httpSrv := &http.Server{Addr: *localAddr, Handler: hub.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving extension pages", zap.String("addr", *localAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("local server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
