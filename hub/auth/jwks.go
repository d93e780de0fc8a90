package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates tokens issued by an external identity provider
// that publishes its signing keys as a JWKS document.
type JWKSProvider struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewJWKSProvider fetches the key set at url and keeps it refreshed.
func NewJWKSProvider(ctx context.Context, url, issuer, audience string) (*JWKSProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", url, err)
	}
	return &JWKSProvider{jwks: jwks, issuer: issuer, audience: audience}, nil
}

// ValidateToken parses a token against the key set.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	username := sub
	for _, key := range []string{"preferred_username", "username", "email", "name"} {
		if v := claimStr(claims, key); v != "" {
			username = v
			break
		}
	}
	role := claimStr(claims, "role")
	if role == "" {
		role = "user"
	}
	return &Identity{Subject: sub, Username: username, Role: role}, nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
