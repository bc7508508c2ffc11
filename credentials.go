package chatsync

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// credentials is what the SDK can learn from the bearer token without the
// issuer's key. The gateway still verifies the signature.
type credentials struct {
	subject   string
	expiresAt time.Time
}

// parseCredentials reads sub and exp from a JWT. Opaque tokens are
// accepted as-is and yield empty credentials.
func parseCredentials(token string, now time.Time) (credentials, error) {
	if token == "" {
		return credentials{}, &AuthError{Reason: "missing token"}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return credentials{}, nil
	}
	var cr credentials
	cr.subject = claims.Subject
	if claims.ExpiresAt != nil {
		cr.expiresAt = claims.ExpiresAt.Time
		if !cr.expiresAt.After(now) {
			return cr, &AuthError{Reason: "token expired at " + cr.expiresAt.UTC().Format(time.RFC3339)}
		}
	}
	return cr, nil
}
