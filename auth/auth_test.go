package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, cl jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestJWTIdentify(t *testing.T) {
	t.Parallel()
	secret := []byte("test-secret")
	a, err := NewJWTAuthenticator(JWTOptions{Secret: secret, Issuer: "relay"})
	require.NoError(t, err)

	token := signToken(t, secret, jwt.MapClaims{
		"sub":    "user-1",
		"org":    "acme",
		"scopes": []string{ScopeRunsRead, ScopeRunsWrite},
		"iss":    "relay",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	id, err := a.Identify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.Subject)
	require.Equal(t, "acme", id.Owner)
	require.Contains(t, id.Scopes, ScopeRunsWrite)
}

func TestJWTIdentifyRejections(t *testing.T) {
	t.Parallel()
	secret := []byte("test-secret")
	a, err := NewJWTAuthenticator(JWTOptions{Secret: secret, Issuer: "relay"})
	require.NoError(t, err)

	cases := map[string]string{
		"empty token": "",
		"wrong secret": signToken(t, []byte("other"), jwt.MapClaims{
			"org": "acme", "iss": "relay", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": signToken(t, secret, jwt.MapClaims{
			"org": "acme", "iss": "relay", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"wrong issuer": signToken(t, secret, jwt.MapClaims{
			"org": "acme", "iss": "intruder", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"missing org": signToken(t, secret, jwt.MapClaims{
			"iss": "relay", "exp": time.Now().Add(time.Hour).Unix(),
		}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Identify(context.Background(), token)
			require.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestStaticAuthenticator(t *testing.T) {
	t.Parallel()
	a := NewStaticAuthenticator(map[string]Identity{
		"tok-1": {Subject: "svc", Owner: "acme", Scopes: []string{ScopeAdmin}},
	})

	id, err := a.Identify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "acme", id.Owner)

	_, err = a.Identify(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestOwnerAuthorizer(t *testing.T) {
	t.Parallel()
	az := OwnerAuthorizer{}
	ctx := context.Background()
	id := &Identity{Subject: "u", Owner: "acme", Scopes: []string{ScopeRunsRead}}

	require.NoError(t, az.Authorize(ctx, id, "acme", ScopeRunsRead))
	require.ErrorIs(t, az.Authorize(ctx, id, "globex", ScopeRunsRead), ErrForbidden)
	require.ErrorIs(t, az.Authorize(ctx, id, "acme", ScopeRunsWrite), ErrForbidden)
	require.ErrorIs(t, az.Authorize(ctx, nil, "acme", ScopeRunsRead), ErrUnauthenticated)

	admin := &Identity{Owner: "acme", Scopes: []string{ScopeAdmin}}
	require.NoError(t, az.Authorize(ctx, admin, "acme", ScopeRunsWrite))
	require.ErrorIs(t, az.Authorize(ctx, admin, "globex", ScopeRunsWrite), ErrForbidden)
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()
	require.Nil(t, IdentityFromContext(context.Background()))
	id := &Identity{Subject: "u"}
	ctx := WithIdentity(context.Background(), id)
	require.Same(t, id, IdentityFromContext(ctx))
}
