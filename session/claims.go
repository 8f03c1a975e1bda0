package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"lds.li/shelfauth/internal"
)

// ErrNoUserID is returned when an access token carries none of the user id
// claims.
var ErrNoUserID = errors.New("access token has no user id claim")

// userIDClaims are checked in order, the backend has used each of them.
var userIDClaims = []string{"userId", "uid", "sub", "id"}

// UserID returns the user id from an access token's claims. The token is not
// verified, the result is for display and log correlation only.
func UserID(accessToken string) (string, error) {
	var claims map[string]any
	if err := internal.InsecureExtractJWTPayload(accessToken, &claims); err != nil {
		return "", fmt.Errorf("reading access token claims: %w", err)
	}

	for _, name := range userIDClaims {
		switch v := claims[name].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", ErrNoUserID
}
