package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/auth"
)

// ErrSessionNotFound is returned for unknown or expired session tokens
var ErrSessionNotFound = errors.New("session not found")

// DefaultTTL is used when no TTL is configured
const DefaultTTL = 24 * time.Hour

// RedisStore keeps session tokens in redis. A session key maps the token hash
// to its user; a per-user set indexes every live session so all of them can be
// destroyed at once.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	generator *auth.TokenGenerator
}

// NewRedisStore creates a session store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		generator: auth.NewTokenGenerator(auth.SessionPrefix),
	}
}

func sessionKey(hash string) string {
	return fmt.Sprintf("warden:session:%s", hash)
}

func userSessionsKey(userID int64) string {
	return fmt.Sprintf("warden:user_sessions:%d", userID)
}

// Create opens a session for userID and returns its token
func (s *RedisStore) Create(ctx context.Context, userID int64) (string, error) {
	token, hash, _, err := s.generator.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(hash), userID, s.ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), hash)
	pipe.Expire(ctx, userSessionsKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return token, nil
}

// Resolve returns the user a session token belongs to
func (s *RedisStore) Resolve(ctx context.Context, token string) (int64, error) {
	if err := s.generator.ValidateTokenFormat(token); err != nil {
		return 0, ErrSessionNotFound
	}

	val, err := s.client.Get(ctx, sessionKey(auth.HashToken(token))).Result()
	if err == redis.Nil {
		return 0, ErrSessionNotFound
	} else if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}

	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt session record: %w", err)
	}
	return userID, nil
}

// Destroy ends one session. Unknown tokens are ignored.
func (s *RedisStore) Destroy(ctx context.Context, token string) error {
	hash := auth.HashToken(token)
	key := sessionKey(hash)

	val, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}

	if userID, err := strconv.ParseInt(val, 10, 64); err == nil {
		s.client.SRem(ctx, userSessionsKey(userID), hash)
	}
	return nil
}

// DestroyAll ends every live session of userID and returns how many were ended
func (s *RedisStore) DestroyAll(ctx context.Context, userID int64) (int, error) {
	setKey := userSessionsKey(userID)
	hashes, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, sessionKey(h))
	}

	var deleted int64
	if len(keys) > 0 {
		deleted, err = s.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to destroy sessions: %w", err)
		}
	}
	if err := s.client.Del(ctx, setKey).Err(); err != nil {
		return int(deleted), fmt.Errorf("failed to clear session index: %w", err)
	}

	return int(deleted), nil
}

// Count returns the number of live sessions for userID
func (s *RedisStore) Count(ctx context.Context, userID int64) (int, error) {
	hashes, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = sessionKey(h)
	}
	live, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(live), nil
}
