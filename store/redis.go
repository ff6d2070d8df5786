package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	tokengate "github.com/jassus213/go-token-gate"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements the tokengate.Store interface using Redis as the backend.
// It is suitable for distributed systems where multiple application instances need to share
// a common quota state. It uses Lua scripts to ensure atomicity.
//
// Layout: each token is a hash at "{prefix}:token:{token}", each owner a sorted
// set at "{prefix}:owner:{ownerId}" scored by a creation sequence.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	policies *policies

	consumeScript *redis.Script
	countScript   *redis.Script
	createScript  *redis.Script
}

// Script status codes.
const (
	scriptNotExists = -1
	scriptLimited   = -2
)

// NewRedis creates a new instance of RedisStore.
// It pre-compiles Lua scripts for consume, count and create.
func NewRedis(client redis.UniversalClient, opts ...Option) *RedisStore {
	const consumeLua = `
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return {-1, 0}
		end
		local units = tonumber(ARGV[1])
		local remaining = tonumber(redis.call("HGET", KEYS[1], "remaining"))
		if redis.call("HGET", KEYS[1], "count") == "1" or remaining < units then
			return {-2, remaining}
		end
		remaining = redis.call("HINCRBY", KEYS[1], "remaining", -units)
		redis.call("HINCRBY", KEYS[1], "consumed", units)
		return {0, remaining}
	`

	const countLua = `
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return {-1, 0}
		end
		return {0, redis.call("HINCRBY", KEYS[1], "consumed", tonumber(ARGV[1]))}
	`

	const createLua = `
		local max = tonumber(ARGV[1])
		if max > 0 and redis.call("ZCARD", KEYS[1]) >= max then
			return 0
		end
		if redis.call("EXISTS", KEYS[2]) == 1 then
			return -1
		end
		local seq = redis.call("INCR", KEYS[3])
		redis.call("HSET", KEYS[2], unpack(ARGV, 3))
		redis.call("ZADD", KEYS[1], seq, ARGV[2])
		return 1
	`

	o := newOptions(opts...)
	return &RedisStore{
		client:        client,
		prefix:        o.Prefix,
		policies:      newPolicies(o),
		consumeScript: redis.NewScript(consumeLua),
		countScript:   redis.NewScript(countLua),
		createScript:  redis.NewScript(createLua),
	}
}

// SetPolicy registers or replaces a policy.
func (s *RedisStore) SetPolicy(p tokengate.Policy) {
	s.policies.set(p)
}

func (s *RedisStore) tokenKey(token string) string { return s.prefix + ":token:" + token }
func (s *RedisStore) ownerKey(owner string) string { return s.prefix + ":owner:" + owner }
func (s *RedisStore) seqKey() string               { return s.prefix + ":seq" }

// Consume executes the consume script.
func (s *RedisStore) Consume(ctx context.Context, token string, units int64) (int64, error) {
	res, err := s.consumeScript.Run(ctx, s.client, []string{s.tokenKey(token)}, units).Result()
	if err != nil {
		return 0, fmt.Errorf("redis consume: %w", err)
	}
	code, value, err := parsePair(res)
	if err != nil {
		return 0, err
	}
	switch code {
	case scriptNotExists:
		return 0, tokengate.ErrTokenNotExists
	case scriptLimited:
		return value, tokengate.ErrUsageLimit
	}
	return value, nil
}

// Count executes the count script.
func (s *RedisStore) Count(ctx context.Context, token string, units int64) (int64, error) {
	res, err := s.countScript.Run(ctx, s.client, []string{s.tokenKey(token)}, units).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	code, value, err := parsePair(res)
	if err != nil {
		return 0, err
	}
	if code == scriptNotExists {
		return 0, tokengate.ErrTokenNotExists
	}
	return value, nil
}

// Create executes the create script, which checks MaxTokens and writes the
// record in one step.
func (s *RedisStore) Create(ctx context.Context, id tokengate.Identity) (*tokengate.TokenRecord, error) {
	pol, err := s.policies.resolve(id.PolicyName)
	if err != nil {
		return nil, err
	}

	rec := initialRecord(id, pol)
	fields, err := recordFields(rec)
	if err != nil {
		return nil, err
	}
	args := append([]interface{}{pol.MaxTokens, rec.Token}, fields...)
	keys := []string{s.ownerKey(id.OwnerID), s.tokenKey(rec.Token), s.seqKey()}

	res, err := s.createScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, fmt.Errorf("redis create: %w", err)
	}
	switch res {
	case 0:
		return nil, maxTokensError(pol)
	case 1:
		return &rec, nil
	default:
		return nil, fmt.Errorf("redis create: token collision for %s", rec.Token)
	}
}

// Get reads the token hash.
func (s *RedisStore) Get(ctx context.Context, token string) (*tokengate.TokenRecord, error) {
	m, err := s.client.HGetAll(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	rec, err := parseRecord(m)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByOwnerID reads the owner's sorted set, then every hash in one pipeline.
func (s *RedisStore) GetByOwnerID(ctx context.Context, ownerID string) ([]tokengate.TokenRecord, error) {
	tokens, err := s.client.ZRange(ctx, s.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]tokengate.TokenRecord, 0, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range tokens {
			cmds[i] = p.HGetAll(ctx, s.tokenKey(t))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		rec, err := parseRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the hash and its owner index entry in a MULTI block.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	owner, err := s.client.HGet(ctx, s.tokenKey(token), "ownerId").Result()
	if errors.Is(err, redis.Nil) {
		return tokengate.ErrTokenNotExists
	}
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.tokenKey(token))
		p.ZRem(ctx, s.ownerKey(owner), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if del.Val() == 0 {
		return tokengate.ErrTokenNotExists
	}
	return nil
}

// parsePair reads the {code, value} reply of the consume and count scripts.
func parsePair(res interface{}) (int64, int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, 0, fmt.Errorf("redis: unexpected script reply %v", res)
	}
	code, ok1 := arr[0].(int64)
	value, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("redis: unexpected script reply %v", res)
	}
	return code, value, nil
}

func recordFields(rec tokengate.TokenRecord) ([]interface{}, error) {
	attrs := ""
	if len(rec.Attributes) > 0 {
		b, err := json.Marshal(rec.Attributes)
		if err != nil {
			return nil, fmt.Errorf("redis: encode attributes: %w", err)
		}
		attrs = string(b)
	}
	count := "0"
	if rec.Count {
		count = "1"
	}
	return []interface{}{
		"token", rec.Token,
		"ownerId", rec.OwnerID,
		"policyName", rec.PolicyName,
		"limit", rec.Limit,
		"remaining", rec.Remaining,
		"consumed", rec.Consumed,
		"count", count,
		"attributes", attrs,
		"createdAt", rec.CreatedAt.UnixMilli(),
	}, nil
}

func parseRecord(m map[string]string) (tokengate.TokenRecord, error) {
	rec := tokengate.TokenRecord{
		Token:      m["token"],
		OwnerID:    m["ownerId"],
		PolicyName: m["policyName"],
		Count:      m["count"] == "1",
	}
	var err error
	if rec.Limit, err = parseInt(m, "limit"); err != nil {
		return rec, err
	}
	if rec.Remaining, err = parseInt(m, "remaining"); err != nil {
		return rec, err
	}
	if rec.Consumed, err = parseInt(m, "consumed"); err != nil {
		return rec, err
	}
	ms, err := parseInt(m, "createdAt")
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = time.UnixMilli(ms).UTC()
	if a := m["attributes"]; a != "" {
		if err := json.Unmarshal([]byte(a), &rec.Attributes); err != nil {
			return rec, fmt.Errorf("redis: decode attributes: %w", err)
		}
	}
	return rec, nil
}

func parseInt(m map[string]string, field string) (int64, error) {
	v, ok := m[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: field %s: %w", field, err)
	}
	return n, nil
}
