package auth

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of tokens issued by a guard.
const DefaultTokenTTL = 24 * time.Hour

// Guard authenticates visitors of a single cloud. The password state is
// read live on every verification, so UpdateCredentials immediately
// invalidates tokens issued before the change.
type Guard struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu           sync.RWMutex
	passwordHash string
	changedAt    time.Time
}

// Option customises a Guard.
type Option func(*Guard)

// WithTTL overrides the token lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard for the cloud named issuer.
func NewGuard(issuer, secret, passwordHash string, changedAt time.Time, opts ...Option) *Guard {
	g := &Guard{
		secret:       []byte(secret),
		issuer:       issuer,
		ttl:          DefaultTokenTTL,
		now:          time.Now,
		passwordHash: passwordHash,
		changedAt:    changedAt,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HasPassword reports whether the cloud currently has a password.
func (g *Guard) HasPassword() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.passwordHash != ""
}

// VerifyPassword compares candidate against the stored bcrypt hash.
func (g *Guard) VerifyPassword(candidate string) bool {
	g.mu.RLock()
	hash := g.passwordHash
	g.mu.RUnlock()

	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}

// IssueToken signs a new token carrying the current password change time.
func (g *Guard) IssueToken() (string, error) {
	if len(g.secret) == 0 {
		return "", fmt.Errorf("auth.Guard.IssueToken: %w", ErrNoKeyMaterial)
	}

	g.mu.RLock()
	changedAt := g.changedAt
	g.mu.RUnlock()

	return issueToken(g.secret, g.issuer, changedAt, g.ttl, g.now())
}

// VerifyToken validates signature and expiry, then rejects tokens issued
// before the most recent password change.
func (g *Guard) VerifyToken(token string) (*Claims, error) {
	if len(g.secret) == 0 {
		return nil, fmt.Errorf("auth.Guard.VerifyToken: %w", ErrNoKeyMaterial)
	}

	claims, err := parseToken(g.secret, token, g.now())
	if err != nil {
		return nil, fmt.Errorf("auth.Guard.VerifyToken: %w", err)
	}

	g.mu.RLock()
	current := changedMicros(g.changedAt)
	g.mu.RUnlock()

	if current > claims.PasswordChanged {
		return nil, fmt.Errorf("auth.Guard.VerifyToken: %w", ErrStale)
	}

	return claims, nil
}

// UpdateCredentials swaps in a new password hash and change time.
func (g *Guard) UpdateCredentials(passwordHash string, changedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwordHash = passwordHash
	g.changedAt = changedAt
}

// TTL returns the lifetime of issued tokens.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}
