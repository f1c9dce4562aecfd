package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
)

func testTokenCache(t *testing.T, handler http.HandlerFunc) (*tokenCache, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{TenantID: "tenant", ClientID: "client", ClientSecret: "secret", Sender: "s@example.com"}
	tc := newTokenCache(cfg, srv.URL+"/token", srv.Client(), clockwork.NewRealClock())
	return tc, srv
}

func TestTokenCache_CachesUntilExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tc, _ := testTokenCache(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type: got %q", got)
		}
		if got := r.PostForm.Get("scope"); got != graphScope {
			t.Errorf("scope: got %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client" {
			t.Errorf("client_id: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := tc.Token(ctx)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("token: got %q, want tok-1", tok)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint calls: got %d, want 1", got)
	}
}

func TestTokenCache_RefreshesStaleToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tc, _ := testTokenCache(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// The first token expires within the 30 s safety buffer and
		// must not be served from the cache on the second call.
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":10}`, n)
	})

	ctx := context.Background()
	if tok, err := tc.Token(ctx); err != nil || tok != "tok-1" {
		t.Fatalf("first Token: %q, %v", tok, err)
	}
	if tok, err := tc.Token(ctx); err != nil || tok != "tok-2" {
		t.Fatalf("second Token: %q, %v", tok, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("token endpoint calls: got %d, want 2", got)
	}
}

func TestTokenCache_SingleRefreshForConcurrentCallers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var inFlight atomic.Int32
	tc, _ := testTokenCache(t, func(w http.ResponseWriter, r *http.Request) {
		if inFlight.Add(1) > 1 {
			t.Error("more than one token refresh in flight")
		}
		defer inFlight.Add(-1)

		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tc.Token(context.Background())
			if err != nil {
				t.Errorf("Token: %v", err)
			}
			if tok != "tok" {
				t.Errorf("token: got %q", tok)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint calls: got %d, want 1", got)
	}
}

func TestTokenCache_FailureLeavesCacheUnchanged(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	tc, _ := testTokenCache(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})

	_, err := tc.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error: got %v, want AuthError", err)
	}

	fail.Store(false)
	tok, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after recovery: %v", err)
	}
	if tok != "tok" {
		t.Errorf("token: got %q, want tok", tok)
	}
}

func TestSend_AuthFailureNotRetried(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenCalls.Add(1)
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		t.Errorf("unexpected backend call %s %s before authentication", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	s, err := New(Config{
		TenantID: "tenant", ClientID: "client", ClientSecret: "bad", Sender: "s@example.com",
	}, WithBaseURL(srv.URL+"/v1.0"), WithTokenURL(srv.URL+"/token"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	sendErr := s.Send(context.Background(), newTestMessage(), SendOptions{})
	var authErr *AuthError
	if !errors.As(sendErr, &authErr) {
		t.Fatalf("error: got %v, want AuthError", sendErr)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint calls: got %d, want 1 (no retry of auth failures)", got)
	}
}
