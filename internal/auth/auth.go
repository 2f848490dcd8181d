// Package auth obtains bearer tokens for the equipment API using the OAuth 2
// client-credentials flow.
//
// A [TokenSource] caches the current token and hands it out until it expires.
// [TokenSource.Refresh] forces a new fetch; concurrent refreshes share a single
// request to the authorization server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// fetchTimeout bounds a single token request. Fetches are detached from the
// caller's context.
const fetchTimeout = 30 * time.Second

// Config describes the client registration at the authorization server.
type Config struct {
	// TokenURL is the token endpoint (e.g. "https://auth.hospital.example/oauth/token").
	TokenURL string

	ClientID     string
	ClientSecret string

	// Scopes lists the scopes to request. May be empty.
	Scopes []string

	// HTTPClient is used for token requests. Nil selects http.DefaultClient.
	HTTPClient *http.Client
}

// Validate reports missing required fields.
func (c Config) Validate() error {
	var errs []error
	if c.TokenURL == "" {
		errs = append(errs, errors.New("auth: token_url is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("auth: client_id is required"))
	}
	return errors.Join(errs...)
}

// TokenSource caches client-credentials tokens. It is safe for concurrent use
// and satisfies the credential refresher used by error recovery.
type TokenSource struct {
	cfg    clientcredentials.Config
	client *http.Client
	group  singleflight.Group

	mu  sync.Mutex
	tok *oauth2.Token
}

// New creates a [TokenSource]. No request is made until the first call to
// [TokenSource.Token] or [TokenSource.Refresh].
func New(cfg Config) (*TokenSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenSource{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		client: cfg.HTTPClient,
	}, nil
}

// Token returns the cached token while it is valid and fetches a new one
// otherwise.
func (ts *TokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	ts.mu.Lock()
	tok := ts.tok
	ts.mu.Unlock()
	if tok.Valid() {
		return tok, nil
	}
	return ts.fetch(ctx)
}

// Refresh discards the cached token and fetches a new one, even if the cached
// token has not expired yet. The server is the authority on expiry.
func (ts *TokenSource) Refresh(ctx context.Context) error {
	_, err := ts.fetch(ctx)
	return err
}

// Invalidate drops the cached token. The next [TokenSource.Token] call fetches
// a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}

// fetch performs one token request shared by every concurrent caller. The
// caller's cancellation ends only its own wait.
func (ts *TokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	ch := ts.group.DoChan("token", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		if ts.client != nil {
			fctx = context.WithValue(fctx, oauth2.HTTPClient, ts.client)
		}

		tok, err := ts.cfg.Token(fctx)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch token: %w", err)
		}
		ts.mu.Lock()
		ts.tok = tok
		ts.mu.Unlock()
		slog.Debug("auth: token refreshed", "expiry", tok.Expiry)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}
