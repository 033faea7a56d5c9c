package stepup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// RedisSessionStore keeps step-up sessions as TTL'd JSON values so multiple
// service instances can share challenge state.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: "stepup:session:"}
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *models.StepUpSession, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+sess.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*models.StepUpSession, error) {
	payload, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess models.StepUpSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}
