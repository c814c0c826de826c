// Package identity turns an opaque bearer credential into a verified
// classroom identity.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classgate/pkg/types"
)

// MinSecretLength is the shortest HMAC secret accepted.
const MinSecretLength = 32

// Claims is the payload carried by a classgate token.
type Claims struct {
	Name string     `json:"name"`
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
// It is safe for concurrent use.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier builds a verifier for tokens issued by issuer. An empty
// issuer disables the issuer check.
func NewJWTVerifier(secret, issuer string, leeway time.Duration) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify parses and validates the credential. A "Bearer " prefix is
// tolerated. Every failure wraps ErrAuth.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	raw := StripBearer(credential)
	if raw == "" {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrAuth, ErrMissingCredential)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w: %v", ErrAuth, ErrInvalidCredential, err)
	}
	if !token.Valid {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrAuth, ErrInvalidCredential)
	}

	if claims.Subject == "" {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrAuth, ErrMissingSubject)
	}
	if !claims.Role.Valid() {
		return types.Identity{}, fmt.Errorf("%w: %w: %q", ErrAuth, ErrInvalidRole, claims.Role)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return types.Identity{
		SubjectID:   claims.Subject,
		DisplayName: name,
		Role:        claims.Role,
	}, nil
}

// StripBearer removes an optional "Bearer " scheme and surrounding space.
func StripBearer(credential string) string {
	credential = strings.TrimSpace(credential)
	const scheme = "bearer"
	if len(credential) >= len(scheme) && strings.EqualFold(credential[:len(scheme)], scheme) {
		rest := credential[len(scheme):]
		if rest == "" || rest[0] == ' ' {
			return strings.TrimSpace(rest)
		}
	}
	return credential
}
