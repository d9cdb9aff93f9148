// Package token mints the short-lived RS256 credentials that workers attach
// to backend connections. The backend verifies with the paired public key.
package token

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// Claim values fixed by the backend contract.
const (
	Issuer   = "zoom-rtms-service"
	Audience = "python-backend"

	// TTL is short so a leaked token has minimal blast radius, but long
	// enough to cover a connection handshake.
	TTL = 5 * time.Minute
)

// Issuer signs per-connection tokens. Safe for concurrent use.
type IssuerService struct {
	key *rsa.PrivateKey
	now func() time.Time
}

// NewIssuer parses the PEM private key and returns an issuer.
func NewIssuer(pemKey []byte) (*IssuerService, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("token: parse private key: %w", err)
	}
	return &IssuerService{key: key, now: time.Now}, nil
}

// Issue returns a fresh signed token for one connection attempt. Tokens are
// never reused across attempts.
func (s *IssuerService) Issue(operatorID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":          Issuer,
		"iat":          now.Unix(),
		"exp":          now.Add(TTL).Unix(),
		"aud":          Audience,
		"zoom_host_id": operatorID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}
