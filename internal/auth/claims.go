package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// Access tokens are the sole JWT issued here; refresh credentials are opaque
// handles owned by the session registry and never encoded as JWTs.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
	Role   string `json:"role"`
}
