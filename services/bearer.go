// services/bearer.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerClaims is the payload of a legacy bearer credential.
type BearerClaims struct {
	PlayerID string   `json:"player_id"`
	RunID    string   `json:"run_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// BearerVerifier checks legacy HS256 bearer tokens locally.
type BearerVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewBearerVerifier(secret, issuer string) *BearerVerifier {
	return &BearerVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (v *BearerVerifier) Verify(token string) (*BearerClaims, error) {
	var claims BearerClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &PipelineError{Kind: KindAuth, Message: "bearer token expired"}
		}
		return nil, ErrUnauthenticated
	}
	if claims.PlayerID == "" {
		return nil, ErrUnauthenticated
	}
	return &claims, nil
}

// Sign issues a bearer for the given identity. Used by operators and tests; the service
// itself only verifies.
func (v *BearerVerifier) Sign(playerID, runID string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := BearerClaims{
		PlayerID: playerID,
		RunID:    runID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign bearer: %w", err)
	}
	return signed, nil
}
