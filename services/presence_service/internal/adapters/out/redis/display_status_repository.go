package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// DisplayStatusRepositoryRedis 展示状态，过期即回到默认
type DisplayStatusRepositoryRedis struct {
	client redis.UniversalClient
	opts   Options
}

func NewDisplayStatusRepositoryRedis(client redis.UniversalClient, opts Options) *DisplayStatusRepositoryRedis {
	return &DisplayStatusRepositoryRedis{client: client, opts: opts.withDefaults()}
}

var _ out.DisplayStatusRepository = (*DisplayStatusRepositoryRedis)(nil)

func (r *DisplayStatusRepositoryRedis) Set(ctx context.Context, userID string, status entity.UserStatus) error {
	if !status.Valid() {
		return entity.ErrInvalidStatus
	}
	if err := r.client.Set(ctx, displayKey(userID), string(status), r.opts.DisplayStatusTTL).Err(); err != nil {
		return fmt.Errorf("set display status %s: %w", userID, err)
	}
	return nil
}

// Get 未设置或值非法时返回空
func (r *DisplayStatusRepositoryRedis) Get(ctx context.Context, userID string) (entity.UserStatus, error) {
	v, err := r.client.Get(ctx, displayKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get display status %s: %w", userID, err)
	}
	return parseDisplay(v), nil
}

func (r *DisplayStatusRepositoryRedis) Remove(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, displayKey(userID)).Err(); err != nil {
		return fmt.Errorf("remove display status %s: %w", userID, err)
	}
	return nil
}

func parseDisplay(v string) entity.UserStatus {
	s, err := entity.ParseUserStatus(v)
	if err != nil {
		return ""
	}
	return s
}
