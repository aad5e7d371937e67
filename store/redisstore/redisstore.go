// Package redisstore implements store.TokenStore on Redis for deployments
// that share the token table across instances. Records live in hashes keyed
// by access token with a refresh-token secondary index; the consume
// operations run a Lua script so the revoked check-and-set is atomic on the
// server and at most one concurrent redeemer wins.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/engagekit/mcp-server/store"
)

// Config for the Redis token store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TOKENS_KEY_PREFIX
	KeyPrefix string `env:"TOKENS_KEY_PREFIX,default=mcp:tokens:"`
}

// Store implements store.TokenStore on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

var _ store.TokenStore = (*Store)(nil)

// New connects to Redis and verifies reachability.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:tokens:"
	}
	return &Store{client: cl, keyPrefix: prefix, now: time.Now}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; tests use it against miniature
// or shared instances.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "mcp:tokens:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) tokenKey(accessToken string) string { return s.keyPrefix + "t:" + accessToken }
func (s *Store) refreshKey(refresh string) string   { return s.keyPrefix + "r:" + refresh }

func (s *Store) CreateToken(ctx context.Context, rec *store.TokenRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	key := s.tokenKey(rec.AccessToken)

	ok, err := s.client.HSetNX(ctx, key, "access_token", rec.AccessToken).Result()
	if err != nil {
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	if !ok {
		return store.ErrDuplicateToken
	}

	fields := map[string]any{
		"refresh_token":         rec.RefreshToken,
		"kind":                  string(rec.Kind),
		"owner_id":              rec.OwnerID,
		"client_id":             rec.ClientID,
		"client_name":           rec.ClientName,
		"scope":                 rec.Scope,
		"code_challenge":        rec.CodeChallenge,
		"code_challenge_method": rec.CodeChallengeMethod,
		"expires_at":            strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
		"revoked":               boolField(rec.Revoked),
		"created_at":            strconv.FormatInt(createdAt.UnixNano(), 10),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ExpireAt(ctx, key, rec.ExpiresAt)
	if rec.RefreshToken != "" {
		pipe.Set(ctx, s.refreshKey(rec.RefreshToken), rec.AccessToken, 0)
		pipe.ExpireAt(ctx, s.refreshKey(rec.RefreshToken), rec.ExpiresAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *Store) FindValidToken(ctx context.Context, accessToken string) (*store.TokenRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.tokenKey(accessToken)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, store.ErrTokenNotFound
	}
	rec, err := recordFromFields(vals)
	if err != nil {
		return nil, err
	}
	if rec.Kind != store.KindBearer || !rec.Valid(s.now()) {
		return nil, store.ErrTokenNotFound
	}
	return rec, nil
}

// consumeScript flips the revoked flag if and only if the record is live.
// Returning the full hash from the same script keeps check, set, and read
// in a single atomic step on the server.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local kind = ARGV[1]
local now = tonumber(ARGV[2])
if redis.call('EXISTS', key) == 0 then return false end
if redis.call('HGET', key, 'kind') ~= kind then return false end
if redis.call('HGET', key, 'revoked') == '1' then return false end
local exp = tonumber(redis.call('HGET', key, 'expires_at'))
if exp == nil or exp <= now then return false end
redis.call('HSET', key, 'revoked', '1')
return redis.call('HGETALL', key)
`)

func (s *Store) FindAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.tokenKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, store.ErrTokenNotFound
	}
	rec, err := recordFromFields(vals)
	if err != nil {
		return nil, err
	}
	if rec.Kind != store.KindAuthorizationCode || !rec.Valid(s.now()) {
		return nil, store.ErrTokenNotFound
	}
	return rec, nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	return s.consume(ctx, s.tokenKey(code), store.KindAuthorizationCode)
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*store.TokenRecord, error) {
	accessToken, err := s.client.Get(ctx, s.refreshKey(refreshToken)).Result()
	if err == redis.Nil {
		return nil, store.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.consume(ctx, s.tokenKey(accessToken), store.KindBearer)
}

func (s *Store) consume(ctx context.Context, key string, kind store.TokenKind) (*store.TokenRecord, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{key},
		string(kind), strconv.FormatInt(s.now().UnixNano(), 10)).Result()
	if err == redis.Nil || res == nil {
		return nil, store.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis consume script: %w", err)
	}

	flat, ok := res.([]any)
	if !ok || len(flat) == 0 {
		return nil, store.ErrTokenNotFound
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return recordFromFields(fields)
}

func (s *Store) RevokeToken(ctx context.Context, token string) (bool, error) {
	key := s.tokenKey(token)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		accessToken, err := s.client.Get(ctx, s.refreshKey(token)).Result()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("redis get: %w", err)
		}
		key = s.tokenKey(accessToken)
	}

	prev, err := s.client.HGet(ctx, key, "revoked").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget: %w", err)
	}
	if err := s.client.HSet(ctx, key, "revoked", "1").Err(); err != nil {
		return false, fmt.Errorf("redis hset: %w", err)
	}
	return prev != "1", nil
}

func recordFromFields(fields map[string]string) (*store.TokenRecord, error) {
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing token expiry: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing token creation time: %w", err)
	}
	return &store.TokenRecord{
		AccessToken:         fields["access_token"],
		RefreshToken:        fields["refresh_token"],
		Kind:                store.TokenKind(fields["kind"]),
		OwnerID:             fields["owner_id"],
		ClientID:            fields["client_id"],
		ClientName:          fields["client_name"],
		Scope:               fields["scope"],
		CodeChallenge:       fields["code_challenge"],
		CodeChallengeMethod: fields["code_challenge_method"],
		ExpiresAt:           time.Unix(0, expires),
		Revoked:             fields["revoked"] == "1",
		CreatedAt:           time.Unix(0, created),
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
