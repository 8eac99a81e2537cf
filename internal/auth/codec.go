package auth

import (
	"errors"
	"time"

	"authgate/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Codec issues and verifies signed access tokens.
// Verification is strict by default: a token is rejected the instant it
// expires unless a leeway was explicitly configured.
type Codec struct {
	keyring   *Keyring
	issuer    string
	audience  string
	accessTTL time.Duration
	leeway    time.Duration
}

func NewCodec(cfg config.AuthConfig) (*Codec, error) {
	ring, err := NewKeyring(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL <= 0 {
		return nil, errors.New("auth: access token TTL must be positive")
	}
	return &Codec{
		keyring:   ring,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		accessTTL: cfg.AccessTokenTTL,
		leeway:    cfg.Leeway,
	}, nil
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

/* ===================== ISSUE ===================== */

// Issue signs a fresh access token for the subject. Nothing is returned on
// error; there is no such thing as a partially signed token.
func (c *Codec) Issue(now time.Time, userID, role string) (string, error) {
	if userID == "" || role == "" {
		return "", errors.New("auth: user id and role are required")
	}

	kid, secret, err := c.keyring.Signing()
	if err != nil {
		return "", err
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  audienceOrNil(c.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
		Role:   role,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = kid

	signed, err := t.SignedString(secret)
	if err != nil {
		return "", ErrSigningUnavailable
	}
	return signed, nil
}

/* ===================== VERIFY ===================== */

// Verify validates signature and claims against the keyring at the given
// instant. HMAC comparison inside jwt/v5 is constant-time.
func (c *Codec) Verify(tokenString string, now time.Time) (Claims, error) {
	candidates, err := c.candidateSecrets(tokenString)
	if err != nil {
		return Claims{}, err
	}

	parser := c.parser(now)

	verifyErr := error(ErrInvalidSignature)
	for _, secret := range candidates {
		var claims Claims
		_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err == nil {
			if err := c.validateCustom(claims); err != nil {
				return Claims{}, err
			}
			return claims, nil
		}
		mapped := mapJWTError(err)
		if errors.Is(mapped, ErrInvalidSignature) {
			// Wrong key; an older ring entry may still match.
			continue
		}
		return Claims{}, mapped
	}
	return Claims{}, verifyErr
}

func (c *Codec) parser(now time.Time) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		opts = append(opts, jwt.WithAudience(c.audience))
	}
	return jwt.NewParser(opts...)
}

// candidateSecrets narrows verification to the key named by the token's kid
// header, falling back to the whole ring for tokens without one.
func (c *Codec) candidateSecrets(tokenString string) ([][]byte, error) {
	var claims Claims
	tok, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if kid, ok := tok.Header["kid"].(string); ok && kid != "" {
		secret, found := c.keyring.Lookup(kid)
		if !found {
			return nil, ErrInvalidSignature
		}
		return [][]byte{secret}, nil
	}
	return c.keyring.Secrets(), nil
}

func (c *Codec) validateCustom(claims Claims) error {
	if claims.UserID == "" {
		return ErrMalformedToken
	}
	if claims.Role == "" {
		return ErrMalformedToken
	}
	return nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	default:
		// Issuer/audience/nbf mismatches and anything unexpected: reject as
		// structurally invalid rather than leaking which claim failed.
		return ErrMalformedToken
	}
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
