package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

const scanBatch = 500

// FriendCacheRedis 正向集合 friends:{uid} 加反向索引 friends:of:{uid}
// 两者在同一个 MULTI 里维护
type FriendCacheRedis struct {
	client redis.UniversalClient
	opts   Options
}

func NewFriendCacheRedis(client redis.UniversalClient, opts Options) *FriendCacheRedis {
	return &FriendCacheRedis{client: client, opts: opts.withDefaults()}
}

var _ out.FriendCache = (*FriendCacheRedis)(nil)

func (c *FriendCacheRedis) AddFriend(ctx context.Context, a, b string) error {
	ttl := c.opts.FriendsTTL
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, friendsKey(a), b)
		pipe.SAdd(ctx, friendsKey(b), a)
		pipe.SAdd(ctx, friendOfKey(b), a)
		pipe.SAdd(ctx, friendOfKey(a), b)
		pipe.Del(ctx, noFriendsKey(a), noFriendsKey(b))
		for _, k := range []string{friendsKey(a), friendsKey(b), friendOfKey(a), friendOfKey(b)} {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add friend %s<->%s: %w", a, b, err)
	}
	return nil
}

func (c *FriendCacheRedis) RemoveFriend(ctx context.Context, a, b string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, friendsKey(a), b)
		pipe.SRem(ctx, friendsKey(b), a)
		pipe.SRem(ctx, friendOfKey(b), a)
		pipe.SRem(ctx, friendOfKey(a), b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove friend %s<->%s: %w", a, b, err)
	}
	return nil
}

// GetFriends 第二个返回值表示缓存命中，包括已知没有好友
func (c *FriendCacheRedis) GetFriends(ctx context.Context, userID string) ([]string, bool, error) {
	var exists, empty *redis.IntCmd
	var members *redis.StringSliceCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, friendsKey(userID))
		members = pipe.SMembers(ctx, friendsKey(userID))
		empty = pipe.Exists(ctx, noFriendsKey(userID))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get friends %s: %w", userID, err)
	}
	if exists.Val() == 1 {
		return members.Val(), true, nil
	}
	return []string{}, empty.Val() == 1, nil
}

// ReplaceFriends 回源后整体重建，同时补反向索引
// 没有好友时只写一个短 TTL 的标记，避免每次握手都回源
func (c *FriendCacheRedis) ReplaceFriends(ctx context.Context, userID string, friends []string) error {
	ttl := c.opts.FriendsTTL
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, friendsKey(userID), noFriendsKey(userID))
		if len(friends) == 0 {
			pipe.Set(ctx, noFriendsKey(userID), "1", c.opts.EmptyFriendsTTL)
			return nil
		}
		members := make([]interface{}, len(friends))
		for i, f := range friends {
			members[i] = f
			pipe.SAdd(ctx, friendOfKey(f), userID)
			pipe.Expire(ctx, friendOfKey(f), ttl)
		}
		pipe.SAdd(ctx, friendsKey(userID), members...)
		pipe.Expire(ctx, friendsKey(userID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace friends %s: %w", userID, err)
	}
	return nil
}

func (c *FriendCacheRedis) AreFriends(ctx context.Context, a, b string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, friendsKey(a), b).Result()
	if err != nil {
		return false, fmt.Errorf("are friends %s,%s: %w", a, b, err)
	}
	return ok, nil
}

// Invalidate 删除正向集合并把自己从对方的反向索引里摘掉
func (c *FriendCacheRedis) Invalidate(ctx context.Context, userID string) error {
	friends, err := c.client.SMembers(ctx, friendsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("invalidate friends %s: %w", userID, err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, friendsKey(userID), noFriendsKey(userID))
		for _, f := range friends {
			pipe.SRem(ctx, friendOfKey(f), userID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate friends %s: %w", userID, err)
	}
	return nil
}

// GetUsersWhoseFriend 优先读反向索引并合并正向集合
// 两者都不存在时退化为 SCAN friends:*，复杂度 O(总用户数)，只适合中等规模
func (c *FriendCacheRedis) GetUsersWhoseFriend(ctx context.Context, userID string) ([]string, error) {
	var inv, fwd *redis.StringSliceCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		inv = pipe.SMembers(ctx, friendOfKey(userID))
		fwd = pipe.SMembers(ctx, friendsKey(userID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watchers of %s: %w", userID, err)
	}

	if len(inv.Val()) > 0 || len(fwd.Val()) > 0 {
		return union(inv.Val(), fwd.Val()), nil
	}
	return c.scanWatchers(ctx, userID)
}

func (c *FriendCacheRedis) scanWatchers(ctx context.Context, userID string) ([]string, error) {
	var (
		cursor   uint64
		watchers []string
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, friendsKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan friend sets: %w", err)
		}

		owners := make([]string, 0, len(keys))
		pipe := c.client.Pipeline()
		var checks []*redis.BoolCmd
		for _, k := range keys {
			if strings.HasPrefix(k, friendOfKeyPrefix) || strings.HasPrefix(k, noFriendsPrefix) {
				continue
			}
			owner := strings.TrimPrefix(k, friendsKeyPrefix)
			if owner == userID {
				continue
			}
			owners = append(owners, owner)
			checks = append(checks, pipe.SIsMember(ctx, k, userID))
		}
		if len(checks) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("scan friend sets: %w", err)
			}
			for i, cmd := range checks {
				if cmd.Val() {
					watchers = append(watchers, owners[i])
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return watchers, nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	res := make([]string, 0, len(a)+len(b))
	for _, s := range [][]string{a, b} {
		for _, v := range s {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			res = append(res, v)
		}
	}
	return res
}
