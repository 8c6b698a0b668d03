package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
)

// StreamClaims are the claims carried by a signed stream URL token.
type StreamClaims struct {
	OrgID     string   `json:"orgId"`
	RecordID  string   `json:"recordId"`
	UserID    string   `json:"userId"`
	Connector string   `json:"connector"`
	Scopes    []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and validates stream tokens against a rotating secret
// set. Tokens are signed with the newest secret and accepted against
// every configured one, so rotation never invalidates in-flight URLs.
type Signer struct {
	secrets []string
	ttl     time.Duration
}

// NewSigner builds a signer from the signing configuration.
func NewSigner(cfg config.SigningConfig) (*Signer, error) {
	if len(cfg.Secrets) == 0 {
		return nil, fmt.Errorf("signing requires at least one secret")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{secrets: cfg.Secrets, ttl: ttl}, nil
}

// Sign mints a stream token for the record.
func (s *Signer) Sign(claims StreamClaims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secrets[0]))
}

// Verify parses and validates a stream token against all rotating
// secrets.
func (s *Signer) Verify(tokenString string) (*StreamClaims, error) {
	var lastErr error
	for _, secret := range s.secrets {
		claims := &StreamClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err == nil && token.Valid {
			return claims, nil
		}
		lastErr = err
	}
	return nil, apperrors.Wrap(apperrors.KindAuth, "invalid stream token", lastErr)
}
