package internal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	josejson "github.com/go-jose/go-jose/v4/json"
)

// ErrMalformedJWT is returned when the JWT does not have the expected format.
var ErrMalformedJWT = errors.New("malformed JWT: expected header.payload.signature")

// InsecureExtractJWTPayload decodes the payload segment of a compact JWT into
// v. Nothing is verified. Access tokens are opaque to the proxy and are only
// peeked at for expiry and display purposes, never for authorization
// decisions.
func InsecureExtractJWTPayload(jwt string, v any) error {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return ErrMalformedJWT
	}

	// some issuers pad their segments, tolerate it.
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	if err := josejson.Unmarshal(decoded, v); err != nil {
		return fmt.Errorf("unmarshalling payload: %w", err)
	}
	return nil
}

// InsecureTokenExpiry returns the time from the exp claim of a JWT access
// token. The zero time is returned if the token is not a JWT or carries no
// expiry, which oauth2.Token treats as never expiring.
func InsecureTokenExpiry(jwt string) time.Time {
	var claims struct {
		Expiry float64 `json:"exp"`
	}
	if err := InsecureExtractJWTPayload(jwt, &claims); err != nil || claims.Expiry <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(claims.Expiry), 0).UTC()
}
