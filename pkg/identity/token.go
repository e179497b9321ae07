// Package identity issues and validates credentials for the human
// reviewers who resolve escalated cases. Only certified analysts may
// submit tie-breaking decisions.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "council/identity"
	audience = "council.workbench"
)

// ErrNotCertified is returned for a valid token whose holder lacks the
// analyst certification.
var ErrNotCertified = errors.New("identity: reviewer is not a certified analyst")

// ReviewerClaims are the JWT claims carried by workbench credentials.
type ReviewerClaims struct {
	jwt.RegisteredClaims
	Certified bool     `json:"certified"`
	Roles     []string `json:"roles,omitempty"`
}

// ReviewerID returns the subject claim.
func (c *ReviewerClaims) ReviewerID() string {
	return c.Subject
}

// TokenManager signs and validates reviewer tokens with a shared HMAC
// key.
type TokenManager struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewTokenManager creates a manager. ttl bounds issued token lifetime.
func NewTokenManager(key []byte, ttl time.Duration) (*TokenManager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("identity: signing key must be at least 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{key: key, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	m.clock = clock
	return m
}

// Issue signs a token for one reviewer.
func (m *TokenManager) Issue(reviewerID string, certified bool, roles ...string) (string, error) {
	if reviewerID == "" {
		return "", fmt.Errorf("identity: reviewer id must not be empty")
	}
	now := m.clock().UTC()
	claims := ReviewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewerID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Certified: certified,
		Roles:     roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and checks signature, expiry, issuer and
// audience.
func (m *TokenManager) Validate(tokenString string) (*ReviewerClaims, error) {
	claims := &ReviewerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return m.key, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(func() time.Time { return m.clock() }),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: validate token: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// ValidateCertified validates a token and additionally requires the
// analyst certification.
func (m *TokenManager) ValidateCertified(tokenString string) (*ReviewerClaims, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Certified {
		return nil, ErrNotCertified
	}
	return claims, nil
}
