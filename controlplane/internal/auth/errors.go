package auth

import "errors"

// Sentinel errors returned by JWTManager. Callers should use errors.Is for
// comparison.
var (
	// ErrTokenExpired is returned when a bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
