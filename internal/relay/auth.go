package relay

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
)

// reconnectClaims identifies the authenticated session a reconnect token
// was issued for, adapted from the teacher's auth.Claims (UserID/Email)
// to the public-key identity this relay authenticates by instead of a
// database user row.
type reconnectClaims struct {
	PublicKey string `json:"pub"`
	ClientId  string `json:"cid"`
	jwt.RegisteredClaims
}

const reconnectTokenTTL = 24 * time.Hour

func jwtSecret() []byte {
	secret := os.Getenv("RELAY_JWT_SECRET")
	if secret == "" {
		secret = "local-dev-secret-change-in-production"
	}
	return []byte(secret)
}

// issueReconnectToken signs a token identifying pub/clientID, returned to
// the client on successful auth (spec §6: auth-ok carries a reconnect
// token; this reference relay does not currently require it be presented
// on reconnect, but issues one so clients exercise the field).
func issueReconnectToken(pub crypto.PublicKey, clientID string) (string, error) {
	claims := reconnectClaims{
		PublicKey: address.EncodePublicKey(pub),
		ClientId:  clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(reconnectTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "sharecore-relay",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

// validateReconnectToken parses and verifies a previously issued token.
func validateReconnectToken(tokenString string) (*reconnectClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &reconnectClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("relay: unexpected signing method")
		}
		return jwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*reconnectClaims)
	if !ok || !token.Valid {
		return nil, errors.New("relay: invalid reconnect token")
	}
	return claims, nil
}
