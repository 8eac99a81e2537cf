package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Keyring holds the ordered set of HMAC secrets used for token signing.
// The newest secret (index 0) signs; every secret verifies. During rollover
// the previous secret stays in the ring until its tokens have aged out.
type Keyring struct {
	keys []signingKey
}

type signingKey struct {
	id     string
	secret []byte
}

// NewKeyring builds a keyring from secrets ordered newest first.
func NewKeyring(secrets []string) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("auth: at least one signing secret is required")
	}
	ring := &Keyring{keys: make([]signingKey, 0, len(secrets))}
	seen := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		if s == "" {
			return nil, errors.New("auth: empty signing secret")
		}
		k := signingKey{id: keyID(s), secret: []byte(s)}
		if _, dup := seen[k.id]; dup {
			return nil, errors.New("auth: duplicate signing secret")
		}
		seen[k.id] = struct{}{}
		ring.keys = append(ring.keys, k)
	}
	return ring, nil
}

// Signing returns the key used for new tokens.
func (r *Keyring) Signing() (kid string, secret []byte, err error) {
	if r == nil || len(r.keys) == 0 {
		return "", nil, ErrSigningUnavailable
	}
	return r.keys[0].id, r.keys[0].secret, nil
}

// Lookup resolves a key id carried in a token header.
func (r *Keyring) Lookup(kid string) ([]byte, bool) {
	for _, k := range r.keys {
		if k.id == kid {
			return k.secret, true
		}
	}
	return nil, false
}

// Secrets returns every verification secret, newest first. Used when a token
// carries no key id (tokens issued before rollover support was deployed).
func (r *Keyring) Secrets() [][]byte {
	out := make([][]byte, len(r.keys))
	for i, k := range r.keys {
		out[i] = k.secret
	}
	return out
}

// keyID derives a stable non-reversible identifier for a secret so the
// secret itself never appears in token headers.
func keyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
