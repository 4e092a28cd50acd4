package printtoken

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerify_RoundTrip(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "run-1", 0)
	require.NoError(t, err)

	claims, err := s.Verify(tok, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.Equal(t, "job-1", claims.JobID)
	assert.Equal(t, "run-1", claims.ReportRunID)
}

func TestVerify_RunScope(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "run-a", 0)
	require.NoError(t, err)

	_, err = s.Verify(tok, "run-b")
	require.ErrorIs(t, err, ErrRunMismatch)

	// job-wide token passes for any run
	wide, err := s.Issue("org-1", "job-1", "", 0)
	require.NoError(t, err)
	_, err = s.Verify(wide, "run-b")
	require.NoError(t, err)
}

func TestVerify_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewSigner(testKey, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "run-1", time.Minute)
	require.NoError(t, err)

	_, err = s.Verify(tok, "run-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Verify(tok, "run-1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_TTLClamped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewSigner(testKey, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "", 24*time.Hour)
	require.NoError(t, err)

	claims, err := s.Verify(tok, "")
	require.NoError(t, err)
	// time.Equal, not assert.Equal: the parsed claim carries the local
	// zone while the clock is pinned to UTC
	assert.True(t, claims.ExpiresAt.Time.Equal(now.Add(MaxTTL)))
}

func TestVerify_WrongKey(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	other, err := NewSigner([]byte("another-key-entirely-32-bytes!!!"))
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "run-1", 0)
	require.NoError(t, err)

	_, err = other.Verify(tok, "run-1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_TamperedPayload(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	tok, err := s.Issue("org-1", "job-1", "run-1", 0)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	// flip a byte in the payload segment
	payload := []byte(parts[1])
	payload[0] ^= 0x01
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err = s.Verify(tampered, "run-1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_AlgorithmConfusion(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrganizationID: "org-1",
		JobID:          "job-1",
	})
	tok, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.Verify(tok, "")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSigner_RequiresKey(t *testing.T) {
	_, err := NewSigner(nil)
	require.ErrorIs(t, err, ErrNoKey)
}
