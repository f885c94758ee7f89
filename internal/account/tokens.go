//go:generate go run go.uber.org/mock/mockgen -source=tokens.go -destination=../mocks/mock_token_store.go -package=mocks
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Purpose scopes a one-time token so a verification token cannot reset a
// password and the other way round.
type Purpose string

const (
	PurposeVerifyEmail   Purpose = "verify-email"
	PurposeResetPassword Purpose = "reset-password"
)

var ErrTokenNotFound = errors.New("token not found or expired")

// TokenStore keeps one-time tokens that map back to an account.
type TokenStore interface {
	Save(ctx context.Context, purpose Purpose, token string, accountID uuid.UUID, ttl time.Duration) error
	// Consume returns the account the token belongs to and deletes it.
	Consume(ctx context.Context, purpose Purpose, token string) (uuid.UUID, error)
}

type RedisTokenStore struct {
	rdb *redis.Client
}

func NewRedisTokenStore(rdb *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb}
}

func tokenKey(purpose Purpose, token string) string {
	return "account:token:" + string(purpose) + ":" + token
}

func (s *RedisTokenStore) Save(ctx context.Context, purpose Purpose, token string, accountID uuid.UUID, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, tokenKey(purpose, token), accountID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("save %s token: %w", purpose, err)
	}
	return nil
}

func (s *RedisTokenStore) Consume(ctx context.Context, purpose Purpose, token string) (uuid.UUID, error) {
	val, err := s.rdb.GetDel(ctx, tokenKey(purpose, token)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrTokenNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume %s token: %w", purpose, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume %s token: %w", purpose, err)
	}
	return id, nil
}
