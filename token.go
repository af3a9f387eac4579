package tagsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fallbackCredentialTTL is assumed when the backend supplies neither a
// validUntil timestamp nor a parseable exp claim.
const fallbackCredentialTTL = time.Hour

// tokenFetch exchanges a developer token for a fresh Credential.
type tokenFetch func(ctx context.Context, devToken string) (*Credential, error)

// TokenManager owns the credential used to authenticate to the backend.
//
// Current returns the cached credential while it is still valid and fetches
// a fresh one otherwise. Refresh is serialized: concurrent callers needing a
// fresh token share a single in-flight fetch instead of each issuing one.
// Invalidate discards the cache unconditionally; the discarded credential is
// retained for diagnostic display only and is never presented again.
type TokenManager struct {
	fetch    tokenFetch
	devToken string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cred     *Credential
	last     *Credential // previous credential, diagnostics only
	inflight *tokenFlight
}

// tokenFlight is one shared fetch; done is closed once cred/err are set.
type tokenFlight struct {
	done chan struct{}
	cred *Credential
	err  error
}

func newTokenManager(fetch tokenFetch, devToken string, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		fetch:    fetch,
		devToken: devToken,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns a valid credential, fetching one if the cache is empty or
// expired.
func (m *TokenManager) Current(ctx context.Context) (*Credential, error) {
	for {
		m.mu.Lock()
		if m.cred.Valid(m.now()) {
			cred := m.cred
			m.mu.Unlock()
			return cred, nil
		}
		if f := m.inflight; f != nil {
			m.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err != nil {
				return nil, f.err
			}
			// Revalidate: the shared result may already be stale.
			continue
		}

		f := &tokenFlight{done: make(chan struct{})}
		m.inflight = f
		m.mu.Unlock()

		cred, err := m.fetch(ctx, m.devToken)
		if err == nil {
			cred = withExpiry(cred, m.now())
		}

		m.mu.Lock()
		m.inflight = nil
		if err != nil {
			// Prior (possibly expired) credential stays in m.last for
			// diagnostic display; it is not restored to the cache.
			f.err = storeErr("Authenticate", CodeAuth, "token fetch failed: %v", err)
			m.mu.Unlock()
			close(f.done)
			m.logger.Warn("token fetch failed", "error", err)
			return nil, f.err
		}
		m.cred = cred
		f.cred = cred
		m.mu.Unlock()
		close(f.done)
		m.logger.Debug("credential refreshed", "issuedFor", cred.IssuedFor, "validUntil", cred.ValidUntil)
		return cred, nil
	}
}

// Invalidate discards the cached credential unconditionally. The next
// Current call forces a fresh fetch with the current developer token.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil {
		m.last = m.cred
		m.cred = nil
	}
}

// LastCredential returns the most recently discarded credential, if any.
// It exists so hosts can display what was invalidated; it must not be used
// for requests.
func (m *TokenManager) LastCredential() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// withExpiry fills in ValidUntil when the backend omitted it, preferring
// the token's own exp claim when it is a JWT.
func withExpiry(cred *Credential, now time.Time) *Credential {
	if !cred.ValidUntil.IsZero() {
		return cred
	}
	out := *cred
	if exp, ok := jwtExpiry(cred.Token); ok {
		out.ValidUntil = exp
	} else {
		out.ValidUntil = now.Add(fallbackCredentialTTL)
	}
	return &out
}

// jwtExpiry extracts the exp claim without verifying the signature; the
// client only needs to know when to refresh, the backend enforces validity.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
