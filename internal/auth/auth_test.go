package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tokenServer issues tokens "t1", "t2", ... and counts requests. When gate is
// non-nil every request blocks until it is closed.
type tokenServer struct {
	hits   atomic.Int32
	gate   chan struct{}
	status int
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.hits.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}
	if s.status != 0 {
		http.Error(w, `{"error":"invalid_client"}`, s.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"t%d","token_type":"bearer","expires_in":3600}`, n)
}

func newSource(t *testing.T, s *tokenServer) *TokenSource {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	ts, err := New(Config{
		TokenURL:     srv.URL,
		ClientID:     "equipguard",
		ClientSecret: "secret",
		Scopes:       []string{"equipment.read"},
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ts
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{TokenURL: "https://auth.example/token", ClientID: "id"}, false},
		{"missing token url", Config{ClientID: "id"}, true},
		{"missing client id", Config{TokenURL: "https://auth.example/token"}, true},
		{"empty", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenSource_CachesValidToken(t *testing.T) {
	t.Parallel()
	s := &tokenServer{}
	ts := newSource(t, s)
	ctx := context.Background()

	for range 3 {
		tok, err := ts.Token(ctx)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok.AccessToken != "t1" {
			t.Fatalf("AccessToken = %q, want t1", tok.AccessToken)
		}
	}
	if got := s.hits.Load(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}
}

func TestTokenSource_RefreshReplacesToken(t *testing.T) {
	t.Parallel()
	s := &tokenServer{}
	ts := newSource(t, s)
	ctx := context.Background()

	if _, err := ts.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if err := ts.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "t2" {
		t.Fatalf("AccessToken = %q, want t2", tok.AccessToken)
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	t.Parallel()
	s := &tokenServer{}
	ts := newSource(t, s)
	ctx := context.Background()

	if _, err := ts.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	ts.Invalidate()
	if _, err := ts.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got := s.hits.Load(); got != 2 {
		t.Fatalf("token requests = %d, want 2", got)
	}
}

func TestTokenSource_RefreshError(t *testing.T) {
	t.Parallel()
	ts := newSource(t, &tokenServer{status: http.StatusUnauthorized})

	if err := ts.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for rejected client")
	}
}

func TestTokenSource_ConcurrentRefreshSharesOneRequest(t *testing.T) {
	t.Parallel()
	s := &tokenServer{gate: make(chan struct{})}
	ts := newSource(t, s)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ts.Refresh(context.Background())
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Let the remaining callers join the in-flight request.
	time.Sleep(50 * time.Millisecond)
	close(s.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if got := s.hits.Load(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}
}

func TestTokenSource_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	t.Parallel()
	s := &tokenServer{gate: make(chan struct{})}
	ts := newSource(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Refresh(ctx) }()

	for s.hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh = %v, want context.Canceled", err)
	}

	close(s.gate)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		tok := ts.tok
		ts.mu.Unlock()
		if tok != nil {
			if tok.AccessToken != "t1" {
				t.Fatalf("AccessToken = %q, want t1", tok.AccessToken)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("detached fetch never stored the token")
}
