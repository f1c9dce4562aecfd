package graph

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

// graphScope requests an application token for the Graph resource; the
// granted permissions come from the app registration, not the scope.
const graphScope = "https://graph.microsoft.com/.default"

// tokenExpiryBuffer is how long before actual expiry a cached token is
// treated as stale, so a token cannot run out mid-request.
const tokenExpiryBuffer = 30 * time.Second

// AuthError wraps a token acquisition failure. Authentication failures
// are never retried; they surface to the caller unchanged.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "graph: token acquisition failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// tokenCache holds at most one access token and serializes refreshes: a
// usable cached token is returned without network I/O, and concurrent
// callers with a stale cache wait on a single refresh.
type tokenCache struct {
	mu     sync.Mutex
	cc     clientcredentials.Config
	client *http.Client
	clock  clockwork.Clock

	accessToken string
	expiresAt   time.Time
}

func newTokenCache(cfg Config, tokenURL string, client *http.Client, clock clockwork.Clock) *tokenCache {
	if tokenURL == "" {
		tokenURL = microsoft.AzureADEndpoint(cfg.TenantID).TokenURL
	}

	return &tokenCache{
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
		clock:  clock,
	}
}

// Token returns a bearer token valid for more than tokenExpiryBuffer.
// Safe for concurrent use; at most one refresh is in flight at a time.
// On refresh failure the cache is left unchanged and every waiter
// receives the error.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.accessToken != "" && tc.clock.Now().Add(tokenExpiryBuffer).Before(tc.expiresAt) {
		return tc.accessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, tc.client)
	tok, err := tc.cc.Token(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}

	tc.accessToken = tok.AccessToken
	tc.expiresAt = tok.Expiry
	if tc.expiresAt.IsZero() {
		// Token endpoints that omit expires_in; assume the Azure AD
		// default of one hour.
		tc.expiresAt = tc.clock.Now().Add(time.Hour)
	}

	return tc.accessToken, nil
}
