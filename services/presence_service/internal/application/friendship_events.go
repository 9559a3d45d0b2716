package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
)

var ErrUnknownFriendshipEvent = errors.New("unknown friendship event")

// FriendshipEventService 关系服务事件驱动好友缓存和通知
type FriendshipEventService struct {
	friends  in.FriendsUseCase
	notifier in.Notifier
	presence in.PresenceQuery
}

func NewFriendshipEventService(friends in.FriendsUseCase, notifier in.Notifier, presence in.PresenceQuery) *FriendshipEventService {
	return &FriendshipEventService{friends: friends, notifier: notifier, presence: presence}
}

// Handle 缓存写失败只记日志，通知照发
func (s *FriendshipEventService) Handle(ctx context.Context, ev entity.FriendshipEvent) error {
	src, dst := ev.Source.ID, ev.Target.ID
	if src == "" || dst == "" {
		return fmt.Errorf("%w: missing participants", ErrUnknownFriendshipEvent)
	}
	log := zlog.C(ctx).With(zap.String("type", string(ev.Type)), zap.String("source", src), zap.String("target", dst))

	switch ev.Type {
	case entity.FriendshipRequestSent:
		if err := s.notifier.NotifyTarget(ctx, entity.EventFriendRequestReceived, src, dst,
			entity.FriendRequestReceived{FriendshipID: ev.FriendshipID, FromUser: ev.Source, Status: ev.Status}, ""); err != nil {
			return err
		}
		return s.notifier.NotifySource(ctx, entity.EventFriendRequestSent, src, dst,
			entity.FriendRequestSent{FriendshipID: ev.FriendshipID, ToUser: ev.Target, Status: ev.Status}, "")

	case entity.FriendshipRequestAccepted:
		// src 是接受请求的一方
		if err := s.friends.AddFriend(ctx, src, dst); err != nil {
			log.Warn("cache add friend failed", zap.Error(err))
		}
		if err := s.notifier.NotifyTarget(ctx, entity.EventFriendRequestAccepted, src, dst,
			entity.FriendRequestAccepted{FriendshipID: ev.FriendshipID, NewFriend: ev.Source, Status: ev.Status}, ""); err != nil {
			return err
		}
		if err := s.notifier.NotifySource(ctx, entity.EventFriendRequestAccepted, src, dst,
			entity.FriendRequestAccepted{FriendshipID: ev.FriendshipID, NewFriend: ev.Target, Status: ev.Status}, ""); err != nil {
			return err
		}
		return s.exchangePresence(ctx, src, dst)

	case entity.FriendshipRequestRejected:
		return s.notifier.NotifyTarget(ctx, entity.EventFriendRequestRejected, src, dst,
			entity.FriendRequestClosed{FriendshipID: ev.FriendshipID}, "")

	case entity.FriendshipRequestCancelled:
		closed := entity.FriendRequestClosed{FriendshipID: ev.FriendshipID}
		if err := s.notifier.NotifyTarget(ctx, entity.EventFriendRequestCancelled, src, dst, closed, ""); err != nil {
			return err
		}
		return s.notifier.NotifySource(ctx, entity.EventFriendRequestCancelledBySender, src, dst, closed, "")

	case entity.FriendshipRemoved:
		if err := s.friends.RemoveFriend(ctx, src, dst); err != nil {
			log.Warn("cache remove friend failed", zap.Error(err))
		}
		by := ev.Source
		return s.notifier.NotifyBoth(ctx, entity.EventFriendRemoved, src, dst,
			entity.FriendRemoved{FriendshipID: ev.FriendshipID, RemovedByUser: &by}, "")
	}

	code, ok := ev.Type.RelationEventCode()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFriendshipEvent, ev.Type)
	}
	if ev.Type == entity.RelationBlocked {
		if err := s.friends.RemoveFriend(ctx, src, dst); err != nil {
			log.Warn("cache remove friend failed", zap.Error(err))
		}
	}
	return s.notifier.NotifySource(ctx, code, src, dst,
		entity.RelationChanged{RelationID: ev.RelationID, TargetUser: ev.Target, ActorUser: ev.Source}, "")
}

// exchangePresence 新好友互相推一次当前状态
func (s *FriendshipEventService) exchangePresence(ctx context.Context, a, b string) error {
	ps := s.presence.GetBatchPresence(ctx, []string{a, b})
	if err := s.notifier.SendToUser(ctx, b, entity.EventPresenceUpdate, ps[0].Snapshot()); err != nil {
		return err
	}
	return s.notifier.SendToUser(ctx, a, entity.EventPresenceUpdate, ps[1].Snapshot())
}
