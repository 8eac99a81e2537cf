package auth

import "errors"

// Verification and issuance failures. Handlers map these to generic client
// responses; the concrete cause stays server-side.
var (
	ErrMalformedToken     = errors.New("auth: malformed token")
	ErrInvalidSignature   = errors.New("auth: invalid signature")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrSigningUnavailable = errors.New("auth: signing key unavailable")
)
