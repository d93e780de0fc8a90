package auth

import (
	"context"
	"fmt"

	"github.com/amurg-ai/remotectl/hub/config"
)

// NewProvider creates the operator auth Provider selected by cfg.
func NewProvider(ctx context.Context, cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "builtin", "":
		return NewService(cfg), nil
	case "jwks":
		return NewJWKSProvider(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
