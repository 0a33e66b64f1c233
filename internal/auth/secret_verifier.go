package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretVerifier checks HS256 tokens signed with the Supabase project secret
type SecretVerifier struct {
	secret   []byte
	audience string
}

func NewSecretVerifier(secret, audience string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &SecretVerifier{secret: []byte(secret), audience: audience}, nil
}

func (v *SecretVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return checkClaims(token, v.audience)
}

func (v *SecretVerifier) Close() error {
	return nil
}

// Sign issues an HS256 token the verifier accepts. Used by tests and by
// nyxelctl against local deployments.
func (v *SecretVerifier) Sign(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
