package moip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultTokenMargin refreshes a token this long before it expires.
	defaultTokenMargin = 60 * time.Second

	// defaultTokenLifetime is used when neither the login response nor the
	// token itself carries an expiry.
	defaultTokenLifetime = 900 * time.Second

	defaultLoginTimeout = 10 * time.Second
)

// SessionToken is a bearer token and its absolute expiry. It is replaced
// wholesale on refresh, never mutated.
type SessionToken struct {
	Value   string
	Expires time.Time
}

// LoginFunc performs the login exchange. lifetime is the server-reported
// expiresIn; zero means not reported.
type LoginFunc func(ctx context.Context) (token string, lifetime time.Duration, err error)

// TokenManager owns the REST bearer token and refreshes it lazily before
// expiry. Concurrent callers that find the token expired share one login.
type TokenManager struct {
	login        LoginFunc
	margin       time.Duration
	loginTimeout time.Duration
	now          func() time.Time
	logger       Logger

	mu    sync.RWMutex
	token *SessionToken

	group  singleflight.Group
	logins atomic.Uint64
}

// NewTokenManager creates a manager that calls login when a token is needed.
// margin <= 0 uses the 60 second default.
func NewTokenManager(login LoginFunc, margin time.Duration, logger Logger) *TokenManager {
	if margin <= 0 {
		margin = defaultTokenMargin
	}
	return &TokenManager{
		login:        login,
		margin:       margin,
		loginTimeout: defaultLoginTimeout,
		now:          time.Now,
		logger:       loggerOrNop(logger),
	}
}

// EnsureValid returns a token that remains valid for at least the refresh
// margin, logging in if necessary.
//
// The login runs detached from any single caller's context so one caller
// giving up does not fail the others waiting on the same refresh; each
// caller still stops waiting when its own context ends.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	if tok, ok := m.fresh(); ok {
		return tok, nil
	}

	ch := m.group.DoChan("login", func() (any, error) {
		// Another flight may have finished between the check above and now.
		if tok, ok := m.fresh(); ok {
			return tok, nil
		}
		return m.refresh()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctxError("login", ctx)
	}
}

func (m *TokenManager) fresh() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil || m.token.Value == "" {
		return "", false
	}
	if !m.now().Add(m.margin).Before(m.token.Expires) {
		return "", false
	}
	return m.token.Value, true
}

func (m *TokenManager) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.loginTimeout)
	defer cancel()

	m.logins.Add(1)
	value, lifetime, err := m.login(ctx)
	if err != nil {
		m.Invalidate()
		m.logger.Warn("rest login failed", "error", err)
		return "", err
	}

	issued := m.now()
	tok := &SessionToken{Value: value, Expires: tokenExpiry(value, lifetime, issued)}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	m.logger.Debug("rest token refreshed", "expires", tok.Expires)
	return value, nil
}

// tokenExpiry prefers the reported lifetime, then the token's exp claim,
// then the controller's fixed 900 second lifetime.
func tokenExpiry(value string, lifetime time.Duration, issued time.Time) time.Time {
	if lifetime > 0 {
		return issued.Add(lifetime)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return issued.Add(defaultTokenLifetime)
}

// Invalidate discards the cached token, forcing the next EnsureValid to log in.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// Current returns a copy of the cached token, if any.
func (m *TokenManager) Current() (SessionToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return SessionToken{}, false
	}
	return *m.token, true
}

// Logins returns the number of login exchanges performed.
func (m *TokenManager) Logins() uint64 {
	return m.logins.Load()
}
