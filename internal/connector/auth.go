package connector

import (
	"context"
	"sync"
	"time"
)

// refreshSkew is how long before expiry a token is treated as stale.
const refreshSkew = 30 * time.Second

// token is a bearer credential with an optional refresh token and expiry.
// A zero ExpiresAt means the credential never expires (static API keys).
type token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// authState guards a connector's credential. Authenticate and RefreshAuth
// serialize on the mutex so concurrent pollers and probes never race a
// half-written token.
type authState struct {
	mu  sync.Mutex
	tok token
}

func (a *authState) get() token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tok
}

func (a *authState) set(t token) {
	a.mu.Lock()
	a.tok = t
	a.mu.Unlock()
}

// stale reports whether the credential needs renewal: absent, or expiring
// within the skew window.
func (a *authState) stale(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok.AccessToken == "" {
		return true
	}
	if a.tok.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(refreshSkew).Before(a.tok.ExpiresAt)
}

// refreshIfStale runs renew under the lock when the token is stale. The
// double-check inside the lock stops a thundering herd of refreshes when
// several goroutines notice expiry at once.
func (a *authState) refreshIfStale(ctx context.Context, now time.Time, renew func(ctx context.Context, current token) (token, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tok.AccessToken != "" &&
		(a.tok.ExpiresAt.IsZero() || now.Add(refreshSkew).Before(a.tok.ExpiresAt)) {
		return nil
	}

	tok, err := renew(ctx, a.tok)
	if err != nil {
		return err
	}
	a.tok = tok
	return nil
}
