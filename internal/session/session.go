package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrRevoked      = errors.New("session has been revoked")
)

// Provider names the verification path that established a session.
type Provider string

const (
	ProviderPhone Provider = "phone"
	ProviderEKYC  Provider = "ekyc"
)

// Session is the authenticated identity every document operation runs as.
// It is passed explicitly; UID is the owner id of the caller's documents.
type Session struct {
	ID        string
	UID       string
	Provider  Provider
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RevocationList remembers logged-out token ids until they expire.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type claims struct {
	Provider Provider `json:"provider"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	key     []byte
	ttl     time.Duration
	revoked RevocationList
	now     func() time.Time
}

// NewManager returns a Manager. revoked may be nil, in which case logout is a
// client-side operation only.
func NewManager(signingKey string, ttl time.Duration, revoked RevocationList) (*Manager, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("session signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Manager{
		key:     []byte(signingKey),
		ttl:     ttl,
		revoked: revoked,
		now:     time.Now,
	}, nil
}

// Issue creates a session for uid and returns it with its signed token.
func (m *Manager) Issue(uid string, provider Provider) (string, *Session, error) {
	if uid == "" {
		return "", nil, fmt.Errorf("cannot issue a session without a uid")
	}
	now := m.now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:        uuid.NewString(),
		UID:       uid,
		Provider:  provider,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, sess, nil
}

// Verify parses token and rejects expired, tampered or revoked sessions.
func (m *Manager) Verify(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || c.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or id", ErrInvalidToken)
	}

	if m.revoked != nil {
		revoked, err := m.revoked.IsRevoked(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check session revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	sess := &Session{
		ID:       c.ID,
		UID:      c.Subject,
		Provider: c.Provider,
	}
	if c.IssuedAt != nil {
		sess.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		sess.ExpiresAt = c.ExpiresAt.Time
	}
	return sess, nil
}

// Revoke ends sess before its natural expiry.
func (m *Manager) Revoke(ctx context.Context, sess *Session) error {
	if m.revoked == nil || sess == nil {
		return nil
	}
	if err := m.revoked.Revoke(ctx, sess.ID, sess.ExpiresAt); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
