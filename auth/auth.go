// Package auth holds the credential provider the realtime session and backend
// client share.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CredentialProvider issues and refreshes bearer tokens.
type CredentialProvider interface {
	// FetchAuthToken obtains a fresh token. It may fail.
	FetchAuthToken(ctx context.Context) (string, error)
	// CurrentToken returns the live token without refreshing.
	CurrentToken() string
	// ForceLogout signs the account out.
	ForceLogout(ctx context.Context) error
}

// Refresher exchanges a token for a new one. *backend.Client implements it.
type Refresher interface {
	RefreshToken(ctx context.Context, current string) (string, error)
}

var ErrLoggedOut = errors.New("auth: logged out")

// Provider is the default CredentialProvider. Concurrent FetchAuthToken calls
// share one refresh.
type Provider struct {
	mu       sync.RWMutex
	token    string
	loggedIn bool

	refresher Refresher
	group     singleflight.Group
	onToken   []func(string)
	onLogout  []func()
	logger    zerolog.Logger
}

var _ CredentialProvider = (*Provider)(nil)

type Option func(*Provider)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With().Str("component", "auth").Logger() }
}

// OnToken registers a hook called with every refreshed token, e.g. to persist
// it to the config file.
func OnToken(fn func(token string)) Option {
	return func(p *Provider) { p.onToken = append(p.onToken, fn) }
}

// OnLogout registers a hook called once per ForceLogout.
func OnLogout(fn func()) Option {
	return func(p *Provider) { p.onLogout = append(p.onLogout, fn) }
}

// NewProvider creates a provider seeded with token.
func NewProvider(token string, refresher Refresher, opts ...Option) *Provider {
	p := &Provider{
		token:     token,
		loggedIn:  token != "",
		refresher: refresher,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

func (p *Provider) FetchAuthToken(ctx context.Context) (string, error) {
	v, err, shared := p.group.Do("refresh", func() (any, error) {
		p.mu.RLock()
		current, loggedIn := p.token, p.loggedIn
		p.mu.RUnlock()
		if !loggedIn {
			return "", ErrLoggedOut
		}

		next, err := p.refresher.RefreshToken(ctx, current)
		if err != nil {
			return "", err
		}

		p.mu.Lock()
		if !p.loggedIn {
			p.mu.Unlock()
			return "", ErrLoggedOut
		}
		p.token = next
		hooks := p.onToken
		p.mu.Unlock()

		for _, fn := range hooks {
			fn(next)
		}
		return next, nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("token refresh failed")
		return "", err
	}
	if !shared {
		p.logger.Debug().Msg("token refreshed")
	}
	return v.(string), nil
}

func (p *Provider) ForceLogout(ctx context.Context) error {
	p.mu.Lock()
	was := p.loggedIn
	p.token = ""
	p.loggedIn = false
	hooks := p.onLogout
	p.mu.Unlock()

	if !was {
		return nil
	}
	p.logger.Warn().Msg("forced logout")
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// ============================================================================
// Claims
// ============================================================================

func unverifiedClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// TokenExpiry reads the exp claim without verifying the signature.
func TokenExpiry(token string) (time.Time, bool) {
	claims, ok := unverifiedClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenSubject reads the sub claim without verifying the signature.
func TokenSubject(token string) (string, bool) {
	claims, ok := unverifiedClaims(token)
	if !ok {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
