package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix   = "session:tok:"
	subjectKeyPrefix = "session:sub:"
	chainKeyPrefix   = "session:chain:"
)

// claimScript is the single-winner step of rotation. It atomically flips
// revoked on a live record and returns the pre-claim state, so two
// concurrent rotations of one handle can never both succeed.
var claimScript = redis.NewScript(`
-- KEYS[1] = token key
-- ARGV[1] = now (unix seconds)
--
-- Returns {status, payload}:
--  {'missing'}            key not found
--  {'revoked', raw}       already rotated: reuse signal
--  {'expired'}            past expires_at
--  {'claimed', raw}       caller won; record now marked revoked
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {'missing'}
end
local rec = cjson.decode(raw)
if rec.revoked then
  return {'revoked', raw}
end
if tonumber(ARGV[1]) >= rec.expires_at then
  return {'expired'}
end
rec.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return {'claimed', raw}
`)

// revokeSetScript marks every token listed in a digest set as revoked.
// Used for both chain revocation (logout) and subject revocation (logout
// everywhere, reuse response).
var revokeSetScript = redis.NewScript(`
-- KEYS[1] = digest set key
-- ARGV[1] = token key prefix
local members = redis.call('SMEMBERS', KEYS[1])
for _, d in ipairs(members) do
  local key = ARGV[1] .. d
  local raw = redis.call('GET', key)
  if raw then
    local rec = cjson.decode(raw)
    if not rec.revoked then
      rec.revoked = true
      redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
    end
  end
end
return #members
`)

type redisToken struct {
	Digest      string `json:"digest"`
	SubjectID   string `json:"subject_id"`
	ChainID     string `json:"chain_id"`
	RotatedFrom string `json:"rotated_from,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Revoked     bool   `json:"revoked"`
}

// RedisRegistry stores refresh state in Redis. Revoked records keep their
// original TTL, so a stolen-and-replayed handle stays detectable for the
// lifetime the chain would have had.
type RedisRegistry struct {
	rdb       *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, ttl, opTimeout time.Duration) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, ttl: ttl, opTimeout: opTimeout, now: time.Now}
}

func (r *RedisRegistry) Issue(ctx context.Context, subjectID string) (Issued, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	iss, err := r.mint(ctx, subjectID, uuid.NewString(), "")
	if err != nil {
		return Issued{}, r.mapErr(err)
	}
	return iss, nil
}

func (r *RedisRegistry) Rotate(ctx context.Context, handle string) (Issued, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	digest := DigestHandle(handle)
	res, err := claimScript.Run(ctx, r.rdb, []string{tokenKeyPrefix + digest}, r.now().Unix()).Slice()
	if err != nil {
		return Issued{}, r.mapErr(err)
	}
	status, _ := res[0].(string)
	switch status {
	case "missing":
		return Issued{}, ErrUnknownToken
	case "expired":
		return Issued{}, ErrExpiredToken
	case "revoked":
		old, err := decodeRedisToken(res)
		if err != nil {
			return Issued{}, r.mapErr(err)
		}
		if err := r.revokeSubject(ctx, old.SubjectID); err != nil {
			return Issued{}, r.mapErr(err)
		}
		return Issued{}, &ReuseError{SubjectID: old.SubjectID}
	case "claimed":
		old, err := decodeRedisToken(res)
		if err != nil {
			return Issued{}, r.mapErr(err)
		}
		iss, err := r.mint(ctx, old.SubjectID, old.ChainID, old.Digest)
		if err != nil {
			return Issued{}, r.mapErr(err)
		}
		return iss, nil
	default:
		return Issued{}, fmt.Errorf("%w: unexpected claim status %q", ErrRegistryUnavailable, status)
	}
}

func (r *RedisRegistry) Revoke(ctx context.Context, handle string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	digest := DigestHandle(handle)
	raw, err := r.rdb.Get(ctx, tokenKeyPrefix+digest).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownToken
	}
	if err != nil {
		return r.mapErr(err)
	}
	var tok redisToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return r.mapErr(err)
	}
	if err := revokeSetScript.Run(ctx, r.rdb, []string{chainKeyPrefix + tok.ChainID}, tokenKeyPrefix).Err(); err != nil {
		return r.mapErr(err)
	}
	return nil
}

func (r *RedisRegistry) RevokeAll(ctx context.Context, subjectID string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.revokeSubject(ctx, subjectID); err != nil {
		return r.mapErr(err)
	}
	return nil
}

func (r *RedisRegistry) revokeSubject(ctx context.Context, subjectID string) error {
	return revokeSetScript.Run(ctx, r.rdb, []string{subjectKeyPrefix + subjectID}, tokenKeyPrefix).Err()
}

func (r *RedisRegistry) mint(ctx context.Context, subjectID, chainID, rotatedFrom string) (Issued, error) {
	handle, err := NewHandle()
	if err != nil {
		return Issued{}, err
	}
	now := r.now().UTC()
	tok := redisToken{
		Digest:      DigestHandle(handle),
		SubjectID:   subjectID,
		ChainID:     chainID,
		RotatedFrom: rotatedFrom,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(r.ttl).Unix(),
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return Issued{}, err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, tokenKeyPrefix+tok.Digest, raw, r.ttl)
	pipe.SAdd(ctx, subjectKeyPrefix+subjectID, tok.Digest)
	pipe.Expire(ctx, subjectKeyPrefix+subjectID, r.ttl)
	pipe.SAdd(ctx, chainKeyPrefix+chainID, tok.Digest)
	pipe.Expire(ctx, chainKeyPrefix+chainID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Issued{}, err
	}

	return Issued{
		Handle: handle,
		Token: Token{
			Digest:      tok.Digest,
			SubjectID:   subjectID,
			ChainID:     chainID,
			RotatedFrom: rotatedFrom,
			IssuedAt:    now,
			ExpiresAt:   now.Add(r.ttl),
		},
	}, nil
}

func (r *RedisRegistry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// mapErr keeps the sentinel taxonomy intact and folds everything else into
// the retryable registry-unavailable class.
func (r *RedisRegistry) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownToken),
		errors.Is(err, ErrExpiredToken),
		errors.Is(err, ErrReuseDetected):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
}

func decodeRedisToken(res []any) (redisToken, error) {
	if len(res) < 2 {
		return redisToken{}, errors.New("session: claim script returned no payload")
	}
	raw, ok := res[1].(string)
	if !ok {
		return redisToken{}, errors.New("session: claim script payload is not a string")
	}
	var tok redisToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return redisToken{}, err
	}
	return tok, nil
}
