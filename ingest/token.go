package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Credential is a bearer credential with its expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// AuthFunc obtains a fresh credential from the source.
type AuthFunc func(ctx context.Context) (Credential, error)

// TokenCache owns the process-wide credential with lazy, single-flight
// refresh: concurrent callers hitting an expired credential share one
// in-flight refresh instead of stampeding the auth endpoint.
type TokenCache struct {
	mu           sync.Mutex
	cred         Credential
	group        singleflight.Group
	authenticate AuthFunc

	// skew treats a credential as expired slightly early so an in-flight
	// request never carries a token that dies mid-call.
	skew time.Duration
}

func NewTokenCache(authenticate AuthFunc) *TokenCache {
	return &TokenCache{authenticate: authenticate, skew: 30 * time.Second}
}

// Get returns a valid token, refreshing when expired or when force is set.
func (tc *TokenCache) Get(ctx context.Context, force bool) (string, error) {
	tc.mu.Lock()
	cached := tc.cred
	tc.mu.Unlock()

	if !force && cached.Token != "" && time.Until(cached.ExpiresAt) > tc.skew {
		return cached.Token, nil
	}

	v, err, _ := tc.group.Do("refresh", func() (any, error) {
		// Another caller may have refreshed while we queued.
		tc.mu.Lock()
		current := tc.cred
		tc.mu.Unlock()
		if !force && current.Token != "" && current.Token != cached.Token &&
			time.Until(current.ExpiresAt) > tc.skew {
			return current.Token, nil
		}

		cred, err := tc.authenticate(ctx)
		if err != nil {
			return "", err
		}
		tc.mu.Lock()
		tc.cred = cred
		tc.mu.Unlock()
		return cred.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
