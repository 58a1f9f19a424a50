// SPDX-License-Identifier: MIT

package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v := NewVerifier([]byte("test-secret"))
	token, err := v.Issue(Principal{ID: "stu-1", Role: RoleStudent}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "stu-1", p.ID)
	require.Equal(t, RoleStudent, p.Role)
	require.False(t, p.IsAdmin())
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	token, err := NewVerifier([]byte("secret-a")).Issue(Principal{ID: "stu-1", Role: RoleStudent}, time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier([]byte("secret-b")).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	v := NewVerifier([]byte("test-secret"))
	token, err := v.Issue(Principal{ID: "stu-1", Role: RoleStudent}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserType: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "stu-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := raw.SignedString(secret)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserType: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := raw.SignedString(secret)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	t.Parallel()

	// A token signed with none must not pass an HS256-only verifier.
	raw := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		UserType: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "intruder",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier([]byte("test-secret")).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	v := NewVerifier([]byte("test-secret"))
	token, err := v.Issue(Principal{ID: "admin-1", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/enrollments", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := v.FromRequest(r)
	require.NoError(t, err)
	require.True(t, p.IsAdmin())

	r = httptest.NewRequest("GET", "/api/v1/enrollments", nil)
	_, err = v.FromRequest(r)
	require.ErrorIs(t, err, ErrNoToken)

	r = httptest.NewRequest("GET", "/api/v1/enrollments", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = v.FromRequest(r)
	require.ErrorIs(t, err, ErrNoToken)
}
