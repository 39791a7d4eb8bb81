// Package identity verifies the signed actor assertions minted by the admin
// front-end. The core does not authenticate anyone: it only trusts the claimed
// actor id and role once the HS256 signature checks out.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

// Claims carried by an identity assertion. Subject is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies identity assertions.
type Service struct {
	signingKey []byte
	issuer     string
}

func NewService(signingKey, issuer string) *Service {
	return &Service{signingKey: []byte(signingKey), issuer: issuer}
}

// Issue mints an assertion for actor. Used by the CLI and tests; production
// assertions come from the admin layer.
func (s *Service) Issue(actor id.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.ID),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.signingKey)
}

// Verify checks the signature and returns the asserted actor.
func (s *Service) Verify(tokenString string) (id.Actor, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return id.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "identity assertion has expired")
		}
		return id.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "invalid identity assertion")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return id.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "invalid identity assertion")
	}

	actorID, err := id.ParseActorID(claims.Subject)
	if err != nil {
		return id.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "invalid identity subject")
	}
	role := id.Role(claims.Role)
	if !role.IsValid() {
		return id.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "unknown actor role")
	}
	return id.Actor{ID: actorID, Role: role}, nil
}
