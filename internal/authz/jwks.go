package authz

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ReplyVerifier verifies the optional signed assertion an external
// authorization service may attach to its response, using a JWKS endpoint
// fetched and cached the same way the teacher's inbound validator does
// (internal/auth/validator.go's jwk.Cache), just pointed at the authz
// service's own keys instead of an identity provider's.
type ReplyVerifier struct {
	cache *jwk.Cache
	url   string
}

// NewReplyVerifier registers jwksURL with a background-refreshing cache.
func NewReplyVerifier(ctx context.Context, jwksURL string) (*ReplyVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL); err != nil {
		return nil, fmt.Errorf("register authz JWKS url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch initial authz JWKS: %w", err)
	}
	return &ReplyVerifier{cache: cache, url: jwksURL}, nil
}

// Verify checks a compact-serialized JWS assertion against the cached key
// set and returns its claims.
func (v *ReplyVerifier) Verify(ctx context.Context, assertion string) (map[string]interface{}, error) {
	keys, err := v.cache.Get(ctx, v.url)
	if err != nil {
		return nil, fmt.Errorf("get cached authz JWKS: %w", err)
	}

	token, err := jwt.Parse([]byte(assertion), jwt.WithKeySet(keys))
	if err != nil {
		return nil, fmt.Errorf("verify authz assertion: %w", err)
	}

	return token.PrivateClaims(), nil
}
