package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// FriendService 缓存优先，缺失时从关系库回源并回填
type FriendService struct {
	cache       out.FriendCache
	friendships out.FriendshipRepository // 可为空
}

func NewFriendService(cache out.FriendCache, friendships out.FriendshipRepository) *FriendService {
	return &FriendService{cache: cache, friendships: friendships}
}

var _ in.FriendsUseCase = (*FriendService)(nil)

func (s *FriendService) GetFriends(ctx context.Context, userID string) []string {
	log := zlog.C(ctx).With(zap.String("user_id", userID))

	friends, cached, err := s.cache.GetFriends(ctx, userID)
	if err != nil {
		storeErrors.WithLabelValues("get_friends").Inc()
		log.Warn("friend cache read failed", zap.Error(err))
	} else if cached {
		return friends
	}

	if s.friendships == nil {
		return []string{}
	}
	friends, err = s.friendships.ListFriendIDs(ctx, userID)
	if err != nil {
		log.Warn("load friends from db failed", zap.Error(err))
		return []string{}
	}
	if err := s.cache.ReplaceFriends(ctx, userID, friends); err != nil {
		log.Warn("warm friend cache failed", zap.Error(err))
	}
	if friends == nil {
		friends = []string{}
	}
	return friends
}

func (s *FriendService) AddFriend(ctx context.Context, a, b string) error {
	return s.cache.AddFriend(ctx, a, b)
}

func (s *FriendService) RemoveFriend(ctx context.Context, a, b string) error {
	return s.cache.RemoveFriend(ctx, a, b)
}
