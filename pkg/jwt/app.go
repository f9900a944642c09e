package jwt

import (
	"crypto/rsa"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// appClockSkew backdates app tokens so hosts with a slightly fast clock
// still accept them.
const appClockSkew = time.Minute

// ParseRSAKey decodes a PEM encoded RSA private key.
func ParseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse rsa key: %w", err)
	}
	return key, nil
}

// GenerateAppToken issues an RS256 token identifying a GitHub App.
func GenerateAppToken(appID string, key *rsa.PrivateKey, now time.Time, ttl time.Duration) (string, error) {
	claims := jwtlib.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-appClockSkew)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims).SignedString(key)
}
