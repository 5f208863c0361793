package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenSigner signs the outgoing service credential this broker presents
// to external collaborators (authz services, kruonis), generalized from the
// teacher's inbound-JWT validator (internal/auth/validator.go) into an
// outgoing-JWT signer: same library, opposite direction.
type IDTokenSigner struct {
	algorithm string
	key       []byte
	issuer    string
}

// NewIDTokenSigner builds a signer for algorithm with the given key and
// issuer (this broker's agent_label). The key is used as raw bytes, so only
// the HMAC algorithms ("HS256", "HS384", "HS512") sign successfully; an
// asymmetric algorithm such as "ES256" makes Sign return an error.
func NewIDTokenSigner(algorithm, key, issuer string) (*IDTokenSigner, error) {
	if algorithm == "" || key == "" {
		return nil, fmt.Errorf("id_token signer requires algorithm and key")
	}
	return &IDTokenSigner{algorithm: algorithm, key: []byte(key), issuer: issuer}, nil
}

// Sign produces a short-lived id_token asserting this broker's identity to
// audience.
func (s *IDTokenSigner) Sign(audience string, ttl time.Duration) (string, error) {
	method := jwt.GetSigningMethod(s.algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported id_token algorithm %q", s.algorithm)
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign id_token: %w", err)
	}
	return signed, nil
}
