package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivachkou/secbrief/backend/internal/domain/model"
)

const statusPrefix = "adfree_status:"

var ErrStatusCacheMiss = errors.New("status cache miss")

// StatusCache is a write-through cache of derived user status. It only exists
// to keep the hot status read off postgres; the store remains authoritative
// and every recompute overwrites the cached value.
type StatusCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewStatusCache(client *goredis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{client: client, ttl: ttl}
}

func (c *StatusCache) Get(ctx context.Context, userID int64) (model.UserStatus, error) {
	if c.client == nil {
		return model.UserStatus{}, ErrStatusCacheMiss
	}
	if userID <= 0 {
		return model.UserStatus{}, fmt.Errorf("invalid user id")
	}

	raw, err := c.client.Get(ctx, statusKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return model.UserStatus{}, ErrStatusCacheMiss
		}
		return model.UserStatus{}, fmt.Errorf("get cached status: %w", err)
	}

	var status model.UserStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		// A corrupt entry is treated as a miss; the store answer will
		// overwrite it.
		return model.UserStatus{}, ErrStatusCacheMiss
	}

	return status, nil
}

func (c *StatusCache) Set(ctx context.Context, status model.UserStatus) error {
	if c.client == nil {
		return nil
	}
	if status.UserID <= 0 {
		return fmt.Errorf("invalid user id")
	}

	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal cached status: %w", err)
	}

	if err := c.client.Set(ctx, statusKey(status.UserID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached status: %w", err)
	}

	return nil
}

func (c *StatusCache) Invalidate(ctx context.Context, userID int64) error {
	if c.client == nil {
		return nil
	}
	if userID <= 0 {
		return fmt.Errorf("invalid user id")
	}

	if err := c.client.Del(ctx, statusKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached status: %w", err)
	}

	return nil
}

func statusKey(userID int64) string {
	return fmt.Sprintf("%s%d", statusPrefix, userID)
}
