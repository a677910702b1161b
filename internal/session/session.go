// Package session resolves interactive session tokens to user ids.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store looks up sessions written by the front end under <prefix><token>.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore builds a session store.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Resolve returns the user id for token, or "" when the session is unknown or expired.
func (s *Store) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	userID, err := s.client.Get(ctx, s.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return userID, nil
}

// Put stores a session. Used by tooling and tests.
func (s *Store) Put(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+token, userID, ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}
