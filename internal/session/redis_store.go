// Package session provides Redis-backed storage for refresh tokens and
// short-lived support (impersonation) sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found or expired")

// TokenData holds the data stored for each refresh token.
type TokenData struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// SupportSession grants a privileged actor time-boxed read-only access to
// a target user's data.
type SupportSession struct {
	Key       string    `json:"key"`
	ActorID   string    `json:"actor_id"`
	TargetID  string    `json:"target_id"`
	ReadOnly  bool      `json:"read_only"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	supportPrefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		supportPrefix: "support:",
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, email string, expiresAt time.Time) error {
	data := TokenData{
		UserID:    userID,
		Email:     email,
		CreatedAt: time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (TokenData, error) {
	jsonData, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if err == redis.Nil {
		return TokenData{}, ErrNotFound
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return data, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// CreateSupportSession stores an impersonation grant under its key with
// the configured TTL. The key doubles as the bearer credential.
func (s *RedisStore) CreateSupportSession(ctx context.Context, sess SupportSession) error {
	jsonData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal support session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("support session already expired")
	}
	if err := s.client.Set(ctx, s.supportPrefix+sess.Key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save support session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupSupportSession(ctx context.Context, key string) (SupportSession, error) {
	jsonData, err := s.client.Get(ctx, s.supportPrefix+key).Result()
	if err == redis.Nil {
		return SupportSession{}, ErrNotFound
	}
	if err != nil {
		return SupportSession{}, fmt.Errorf("lookup support session: %w", err)
	}

	var sess SupportSession
	if err := json.Unmarshal([]byte(jsonData), &sess); err != nil {
		return SupportSession{}, fmt.Errorf("unmarshal support session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) RevokeSupportSession(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.supportPrefix+key).Err(); err != nil {
		return fmt.Errorf("revoke support session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
