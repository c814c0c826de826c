package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"classgate/pkg/types"
)

// Signer issues tokens the JWTVerifier accepts. The gateway itself never
// signs; this backs the dev token command and tests.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer whose tokens expire after ttl.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Sign creates a signed token for the identity.
func (s *Signer) Sign(id types.Identity) (string, error) {
	if id.SubjectID == "" {
		return "", ErrMissingSubject
	}
	if !id.Role.Valid() {
		return "", ErrInvalidRole
	}

	now := s.now()
	claims := &Claims{
		Name: id.DisplayName,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.SubjectID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
