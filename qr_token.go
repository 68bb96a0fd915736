package tglink

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// qrClaims binds a QR token id to its deadline. The token only identifies
// the pending handshake; session material never rides the deep link.
type qrClaims struct {
	TokenID string `json:"tid"`
	jwt.RegisteredClaims
}

func signQRToken(signingKey []byte, tokenID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := qrClaims{
		TokenID: tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

func parseQRToken(signingKey []byte, token string) (string, error) {
	var claims qrClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil || !parsed.Valid || claims.TokenID == "" {
		return "", ErrQRTokenInvalid
	}
	return claims.TokenID, nil
}

func qrDeepLink(linkBase, signed string) string {
	return linkBase + "?token=" + url.QueryEscape(signed)
}
