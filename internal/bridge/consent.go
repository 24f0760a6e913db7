package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// BrowserFlow runs the interactive consent flow: it listens on the registered
// redirect URI, logs the consent URL for the popup to open, and resolves to
// the authorization code the provider redirects back with.
type BrowserFlow struct {
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
	Scopes       string
	Log          *zap.Logger
}

// Open blocks until the provider redirects back with a code, or the context
// ends.
func (f *BrowserFlow) Open(ctx context.Context) (string, error) {
	redirect, err := url.Parse(f.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("redirect uri: %w", err)
	}

	codeCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "Signed in. You can close this tab.")
		select {
		case codeCh <- code:
		default:
		}
	})

	lis, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("redirect listener: %w", err)
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(lis) }()
	defer srv.Close()

	f.Log.Info("waiting for consent", zap.String("url", f.consentURL()))

	select {
	case code := <-codeCh:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *BrowserFlow) consentURL() string {
	q := url.Values{}
	q.Set("client_id", f.ClientID)
	q.Set("redirect_uri", f.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", f.Scopes)
	return f.AuthorizeURL + "?" + q.Encode()
}
