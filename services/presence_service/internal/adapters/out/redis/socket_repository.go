package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// SocketRepositoryRedis 连接登记，在线标记由连接集合基数推导
type SocketRepositoryRedis struct {
	client redis.UniversalClient
	opts   Options
	now    func() time.Time
}

func NewSocketRepositoryRedis(client redis.UniversalClient, opts Options) *SocketRepositoryRedis {
	return &SocketRepositoryRedis{client: client, opts: opts.withDefaults(), now: time.Now}
}

var _ out.SocketRepository = (*SocketRepositoryRedis)(nil)

// Register SADD 和 SCARD 在同一个 MULTI 里，首连判断只会成立一次
func (r *SocketRepositoryRedis) Register(ctx context.Context, meta entity.SocketMetadata) (entity.FlipResult, error) {
	ttl := r.opts.SocketTTL
	now := r.now()
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = now
	}

	sk := socketKey(meta.UserID, meta.ConnectionID)
	setKey := socketsKey(meta.UserID)

	var added, count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sk, map[string]interface{}{
			"userId":       meta.UserID,
			"connectionId": meta.ConnectionID,
			"device":       meta.Device,
			"ip":           meta.IP,
			"instanceId":   meta.InstanceID,
			"connectedAt":  meta.ConnectedAt.UTC().Format(time.RFC3339Nano),
			"lastPing":     now.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, sk, ttl)
		added = pipe.SAdd(ctx, setKey, meta.ConnectionID)
		pipe.Expire(ctx, setKey, ttl)
		pipe.Set(ctx, onlineKey(meta.UserID), "true", ttl)
		count = pipe.SCard(ctx, setKey)
		return nil
	})
	if err != nil {
		return entity.FlipResult{}, fmt.Errorf("register socket %s/%s: %w", meta.UserID, meta.ConnectionID, err)
	}

	n := count.Val()
	return entity.FlipResult{SocketCount: n, Flipped: added.Val() == 1 && n == 1}, nil
}

// Unregister 移除连接，集合清空时删除在线标记并记录最后在线时间
func (r *SocketRepositoryRedis) Unregister(ctx context.Context, userID, connectionID string) (entity.FlipResult, error) {
	setKey := socketsKey(userID)

	var removed, count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, socketKey(userID, connectionID))
		removed = pipe.SRem(ctx, setKey, connectionID)
		count = pipe.SCard(ctx, setKey)
		return nil
	})
	if err != nil {
		return entity.FlipResult{}, fmt.Errorf("unregister socket %s/%s: %w", userID, connectionID, err)
	}

	n := count.Val()
	wasLast := removed.Val() == 1 && n == 0
	if !wasLast && removed.Val() == 1 && n > 0 {
		// 其他实例崩溃残留的连接 ID 会让用户一直在线
		n, err = r.pruneStale(ctx, userID)
		if err != nil {
			return entity.FlipResult{SocketCount: count.Val()}, err
		}
		wasLast = n == 0
	}

	if !wasLast {
		return entity.FlipResult{SocketCount: n}, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, onlineKey(userID))
		pipe.Set(ctx, lastSeenKey(userID), r.now().Unix(), r.opts.LastSeenTTL)
		return nil
	})
	if err != nil {
		return entity.FlipResult{}, fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return entity.FlipResult{SocketCount: 0, Flipped: true}, nil
}

// pruneStale 删掉元数据已过期的连接 ID，返回剩余数量
func (r *SocketRepositoryRedis) pruneStale(ctx context.Context, userID string) (int64, error) {
	setKey := socketsKey(userID)
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list sockets of %s: %w", userID, err)
	}

	pipe := r.client.Pipeline()
	exists := make(map[string]*redis.IntCmd, len(members))
	for _, m := range members {
		exists[m] = pipe.Exists(ctx, socketKey(userID, m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("check sockets of %s: %w", userID, err)
	}

	var stale []interface{}
	for m, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, m)
		}
	}
	if len(stale) == 0 {
		return int64(len(members)), nil
	}

	var count *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, setKey, stale...)
		count = pipe.SCard(ctx, setKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune sockets of %s: %w", userID, err)
	}
	return count.Val(), nil
}

// Heartbeat 元数据还在才续期，避免给已失效的连接重新置在线
func (r *SocketRepositoryRedis) Heartbeat(ctx context.Context, userID, connectionID string) error {
	ttl := r.opts.SocketTTL
	sk := socketKey(userID, connectionID)

	ok, err := r.client.Expire(ctx, sk, ttl).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s/%s: %w", userID, connectionID, err)
	}
	if !ok {
		return out.ErrSocketNotFound
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sk, "lastPing", r.now().UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, socketsKey(userID), connectionID)
		pipe.Expire(ctx, socketsKey(userID), ttl)
		pipe.Set(ctx, onlineKey(userID), "true", ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s/%s: %w", userID, connectionID, err)
	}
	return nil
}

func (r *SocketRepositoryRedis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("is online %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *SocketRepositoryRedis) SocketCount(ctx context.Context, userID string) (int64, error) {
	n, err := r.client.SCard(ctx, socketsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("socket count %s: %w", userID, err)
	}
	return n, nil
}

// GetSocket 读取单个连接元数据，/stats 排查用
func (r *SocketRepositoryRedis) GetSocket(ctx context.Context, userID, connectionID string) (*entity.SocketMetadata, error) {
	m, err := r.client.HGetAll(ctx, socketKey(userID, connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get socket %s/%s: %w", userID, connectionID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	meta := &entity.SocketMetadata{
		UserID:       m["userId"],
		ConnectionID: m["connectionId"],
		Device:       m["device"],
		IP:           m["ip"],
		InstanceID:   m["instanceId"],
	}
	meta.ConnectedAt, _ = time.Parse(time.RFC3339Nano, m["connectedAt"])
	meta.LastPing, _ = time.Parse(time.RFC3339Nano, m["lastPing"])
	return meta, nil
}

func parseUnix(s string) *time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
