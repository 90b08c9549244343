package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// readToken extracts subject and expiry from an identity token without
// verifying it. The identity service is the verifier; we only need the claims.
func readToken(token string, now time.Time) (*tokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse identity token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("identity token has no subject")
	}

	out := &tokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		if !out.ExpiresAt.After(now) {
			return nil, fmt.Errorf("identity token expired at %s", out.ExpiresAt.Format(time.RFC3339))
		}
	}
	return out, nil
}
