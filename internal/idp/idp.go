// Package idp is a client for the parts of the external identity provider
// used for login: the authorization-code exchange and the profile fetch.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/auxhub/auxhub/internal/errs"
)

// ErrProvider indicates the identity provider rejected or failed a request.
var ErrProvider = errors.New("identity provider error")

// Profile is the provider's view of a principal.
type Profile struct {
	ID            string `json:"id"`
	EmailVerified bool   `json:"email_verified"`
	Roles         []string
}

// Provider resolves authorization codes into principal profiles.
type Provider interface {
	// ExchangeCode trades an OAuth2 authorization code for a provider access
	// token.
	ExchangeCode(ctx context.Context, code string) (string, error)
	// FetchProfile loads the principal's profile with a provider access token.
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
}

// Client implements Provider against the provider's HTTP API.
type Client struct {
	base         string
	clientID     string
	clientSecret string
	redirectURI  string
	http         *http.Client
}

// NewClient constructs a provider client. A nil httpClient uses
// http.DefaultClient.
func NewClient(base, clientID, clientSecret, redirectURI string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:         strings.TrimRight(base, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		http:         httpClient,
	}
}

// ExchangeCode performs the authorization-code grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {c.redirectURI},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", errs.ErrWrongCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrProvider, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: invalid token response: %v", ErrProvider, err)
	}
	if body.AccessToken == "" {
		return "", errs.ErrWrongCredentials
	}
	return body.AccessToken, nil
}

// FetchProfile loads the principal's identity and role membership.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/@me", nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Profile{}, errs.ErrWrongCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: profile endpoint status %d", ErrProvider, resp.StatusCode)
	}

	var body struct {
		ID            string   `json:"id"`
		EmailVerified bool     `json:"email_verified"`
		Roles         []string `json:"roles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Profile{}, fmt.Errorf("%w: invalid profile response: %v", ErrProvider, err)
	}
	if body.ID == "" {
		return Profile{}, fmt.Errorf("%w: profile without id", ErrProvider)
	}
	return Profile{ID: body.ID, EmailVerified: body.EmailVerified, Roles: body.Roles}, nil
}
