package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)

	token, err := mgr.IssueToken("ci-runner", []string{RoleRead, RoleRun}, time.Minute)
	require.NoError(t, err)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Subject)
	assert.Equal(t, []string{RoleRead, RoleRun}, claims.Roles)
	assert.Equal(t, "dbkeep-test", claims.Issuer)

	// A non-positive ttl falls back to the 24h default.
	token, err = mgr.IssueToken("ci-runner", []string{RoleAdmin}, 0)
	require.NoError(t, err)
	claims, err = mgr.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.After(time.Now().Add(23*time.Hour)))
}

func TestVerifyExpiredToken(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)

	short, err := mgr.IssueToken("ci-runner", []string{RoleRead}, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = mgr.Verify(short)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWrongKey(t *testing.T) {
	issuer, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)
	verifier, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)

	token, err := issuer.IssueToken("ci-runner", []string{RoleAdmin}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyWrongIssuer(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("someone-else")
	require.NoError(t, err)

	token, err := mgr.IssueToken("ci-runner", []string{RoleRead}, time.Minute)
	require.NoError(t, err)

	other := &JWTManager{privateKey: mgr.privateKey, publicKey: mgr.publicKey, issuer: "dbkeep"}
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyGarbage(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		_, err := mgr.Verify(tok)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", tok)
	}
}

func TestHasRole(t *testing.T) {
	c := &Claims{Roles: []string{RoleRead, RoleRun}}
	assert.True(t, c.HasRole(RoleRead))
	assert.True(t, c.HasRole(RoleRun))
	assert.False(t, c.HasRole(RoleRestore))
	assert.False(t, c.HasRole(RoleAdmin))

	admin := &Claims{Roles: []string{RoleAdmin}}
	for _, role := range []string{RoleRead, RoleCreate, RoleRun, RoleConfigure, RoleRestore, RoleDelete, RoleAdmin} {
		assert.True(t, admin.HasRole(role), "admin should grant %s", role)
	}

	empty := &Claims{}
	assert.False(t, empty.HasRole(RoleRead))
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("dbkeep-test")
	require.NoError(t, err)

	pubPEM, err := mgr.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, string(pubPEM), "BEGIN PUBLIC KEY")
}
