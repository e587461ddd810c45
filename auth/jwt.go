package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// JWTAuthenticator validates HMAC-signed bearer tokens. The tenant is
	// read from the "org" claim and scopes from the "scopes" claim.
	JWTAuthenticator struct {
		secret []byte
		opts   []jwt.ParserOption
	}

	// JWTOptions configures token validation.
	JWTOptions struct {
		// Secret is the HMAC signing secret. Required.
		Secret []byte
		// Issuer, when non-empty, must match the token's iss claim.
		Issuer string
		// Audience, when non-empty, must be present in the token's aud claim.
		Audience string
	}

	claims struct {
		Org    string   `json:"org"`
		Scopes []string `json:"scopes"`
		jwt.RegisteredClaims
	}
)

// NewJWTAuthenticator builds an authenticator for HMAC-signed tokens.
func NewJWTAuthenticator(opts JWTOptions) (*JWTAuthenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("jwt authenticator: secret is required")
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &JWTAuthenticator{secret: opts.Secret, opts: parserOpts}, nil
}

// Identify implements Authenticator.
func (a *JWTAuthenticator) Identify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if cl.Org == "" {
		return nil, fmt.Errorf("%w: token missing org claim", ErrUnauthenticated)
	}
	return &Identity{
		Subject: cl.Subject,
		Owner:   cl.Org,
		Scopes:  cl.Scopes,
	}, nil
}

// StaticAuthenticator maps fixed tokens to identities. Intended for tests
// and single-tenant deployments configured from a file.
type StaticAuthenticator struct {
	tokens map[string]Identity
}

// NewStaticAuthenticator builds an authenticator over a fixed token table.
func NewStaticAuthenticator(tokens map[string]Identity) *StaticAuthenticator {
	dup := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		dup[k] = v
	}
	return &StaticAuthenticator{tokens: dup}
}

// Identify implements Authenticator.
func (a *StaticAuthenticator) Identify(_ context.Context, token string) (*Identity, error) {
	id, ok := a.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthenticated)
	}
	return &id, nil
}
