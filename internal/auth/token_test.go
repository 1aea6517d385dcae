package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var driver = &models.User{ID: 7, Username: "ravi", DisplayName: "Ravi K", Role: models.RoleDriver}

func TestIssueAndVerify(t *testing.T) {
	token, err := NewIssuer("s3cret", "petbuddy", time.Hour).Issue(driver)
	require.NoError(t, err)

	claims, err := NewVerifier("s3cret", "petbuddy").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.ID)
	assert.Equal(t, "7", claims.Subject)
	assert.Equal(t, "Ravi K", claims.Name)
	assert.Equal(t, models.RoleDriver, claims.Role)
}

func TestVerifyRejects(t *testing.T) {
	good, err := NewIssuer("s3cret", "petbuddy", time.Hour).Issue(driver)
	require.NoError(t, err)

	expiredIssuer := NewIssuer("s3cret", "petbuddy", time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredIssuer.Issue(driver)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ID: "7"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *Verifier
		token    string
	}{
		{"empty", NewVerifier("s3cret", "petbuddy"), ""},
		{"garbage", NewVerifier("s3cret", "petbuddy"), "not.a.token"},
		{"wrong secret", NewVerifier("other", "petbuddy"), good},
		{"wrong issuer", NewVerifier("s3cret", "someone-else"), good},
		{"expired", NewVerifier("s3cret", "petbuddy"), expired},
		{"alg none", NewVerifier("s3cret", ""), none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenIdentity(t *testing.T) {
	token, err := NewIssuer("whatever", "petbuddy", time.Hour).Issue(driver)
	require.NoError(t, err)

	p, err := TokenIdentity{Token: token}.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Participant{ID: "7", Name: "Ravi K", Role: models.RoleDriver}, p)

	_, err = TokenIdentity{}.Identity(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = TokenIdentity{Token: "garbled"}.Identity(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(r))

	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.Equal(t, "", BearerToken(r))
}
