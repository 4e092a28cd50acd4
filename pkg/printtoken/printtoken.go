// Package printtoken issues and verifies short-lived tokens that gate the
// print and export surfaces. A token is scoped to one organization and job,
// and optionally to a single report run; presenting it for any other run
// fails verification.
package printtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "siteproof/print"
	audience = "siteproof.export"

	// DefaultTTL is applied when the caller does not ask for a lifetime.
	DefaultTTL = 5 * time.Minute
	// MaxTTL caps requested lifetimes. Print links get pasted into chat and
	// email, so they must age out quickly.
	MaxTTL = time.Hour
)

var (
	ErrInvalidToken = errors.New("printtoken: invalid token")
	ErrRunMismatch  = errors.New("printtoken: token not valid for this report run")
	ErrNoKey        = errors.New("printtoken: signing key not configured")
)

// Claims carries the export scope inside the signed token.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org_id"`
	JobID          string `json:"job_id"`
	ReportRunID    string `json:"report_run_id,omitempty"`
}

// Signer mints and verifies print tokens with a shared HMAC key.
type Signer struct {
	key   []byte
	clock func() time.Time
}

type Option func(*Signer)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Signer) { s.clock = clock }
}

func NewSigner(key []byte, opts ...Option) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	s := &Signer{key: key, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a token scoped to the given organization and job. runID may be
// empty for job-wide export links. A non-positive ttl falls back to
// DefaultTTL; requests above MaxTTL are clamped.
func (s *Signer) Issue(orgID, jobID, runID string, ttl time.Duration) (string, error) {
	if orgID == "" || jobID == "" {
		return "", fmt.Errorf("%w: organization and job are required", ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := s.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   jobID,
		},
		OrganizationID: orgID,
		JobID:          jobID,
		ReportRunID:    runID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks signature, expiry and audience, then enforces run scope: a
// token bound to a run is rejected when presented for a different run. Tokens
// without a run binding pass for any run of their job.
func (s *Signer) Verify(tokenString, presentedRunID string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.OrganizationID == "" || claims.JobID == "" {
		return nil, ErrInvalidToken
	}
	if claims.ReportRunID != "" && claims.ReportRunID != presentedRunID {
		return nil, ErrRunMismatch
	}
	return claims, nil
}
