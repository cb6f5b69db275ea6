package crypto

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the expiry timestamp encoded in a JWT, if present.
//
// The signature is NOT verified. This is only used for client control flow
// (proactive renewal); the server remains the source of truth and will reject
// an expired credential with 401 regardless.
func TokenExpiry(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresWithin reports whether a JWT is already expired or will expire within
// window of now. Opaque (non-JWT) tokens and tokens without exp report false.
func ExpiresWithin(token string, now time.Time, window time.Duration) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	return exp.Sub(now) <= window
}
