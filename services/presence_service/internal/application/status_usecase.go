package application

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

var ErrNoDurableStore = errors.New("durable presence store not configured")

// StatusService 展示状态写路径，直接推送给本人和缓存里的好友，不经过 relay
type StatusService struct {
	display  out.DisplayStatusRepository
	records  out.PresenceRecordRepository // 可为空
	presence in.PresenceQuery
	tracker  in.ConnectionUseCase
	friends  in.FriendsUseCase
	notifier in.Notifier
}

func NewStatusService(
	display out.DisplayStatusRepository,
	records out.PresenceRecordRepository,
	presence in.PresenceQuery,
	tracker in.ConnectionUseCase,
	friends in.FriendsUseCase,
	notifier in.Notifier,
) *StatusService {
	return &StatusService{
		display:  display,
		records:  records,
		presence: presence,
		tracker:  tracker,
		friends:  friends,
		notifier: notifier,
	}
}

var _ in.StatusUseCase = (*StatusService)(nil)

// UpdatePresenceStatus 只有状态非法时返回错误，存储失败降级为日志
func (s *StatusService) UpdatePresenceStatus(ctx context.Context, userID, username string, status entity.UserStatus, updateDisplayStatus bool) error {
	if !status.Valid() {
		return entity.ErrInvalidStatus
	}
	log := zlog.C(ctx).With(zap.String("user_id", userID), zap.String("status", string(status)))

	if s.records != nil {
		if err := s.records.UpsertStatus(ctx, userID, status); err != nil {
			log.Warn("persist status failed", zap.Error(err))
		}
	}
	if updateDisplayStatus {
		if err := s.display.Set(ctx, userID, status); err != nil {
			storeErrors.WithLabelValues("set_display").Inc()
			log.Warn("set display status failed", zap.Error(err))
		}
	}

	if err := s.notifier.SendToUser(ctx, userID, entity.EventStatusUpdated, entity.StatusUpdated{UserID: userID, Status: status}); err != nil {
		log.Error("status updated notify failed", zap.Error(err))
	}

	// 好友看到的是解析后的状态，离线时不会误报在线
	actual := s.presence.GetPresenceStatus(ctx, userID).ActualStatus
	friends := s.friends.GetFriends(ctx, userID)
	err := s.notifier.SendToUsers(ctx, friends, entity.EventPresenceUpdated, entity.PresenceUpdated{
		UserID:   userID,
		Username: username,
		Status:   actual,
	})
	if err != nil {
		log.Error("presence updated notify failed", zap.Error(err))
	}

	log.Info("display status updated", zap.Int("friends", len(friends)))
	return nil
}

func (s *StatusService) SetCustomStatus(ctx context.Context, userID, text string) error {
	if s.records == nil {
		return ErrNoDurableStore
	}
	return s.records.SetCustomStatus(ctx, userID, text)
}

func (s *StatusService) GetStatus(ctx context.Context, userID string) entity.StatusCurrent {
	p := s.presence.GetPresenceStatus(ctx, userID)

	conn := entity.StatusInvisible
	if s.tracker.IsOnline(ctx, userID) {
		conn = entity.StatusOnline
	}
	display := p.DisplayStatus
	if display == "" {
		display = entity.StatusOnline
	}
	return entity.StatusCurrent{ConnectionStatus: conn, DisplayStatus: display, ActualStatus: p.ActualStatus}
}

func (s *StatusService) GetProfile(ctx context.Context, userID string) (entity.ResolvedPresence, string) {
	p := s.presence.GetPresenceStatus(ctx, userID)
	if s.records == nil {
		return p, ""
	}
	rec, err := s.records.Get(ctx, userID)
	if err != nil {
		zlog.C(ctx).Warn("load presence record failed", zap.String("user_id", userID), zap.Error(err))
		return p, ""
	}
	if rec == nil {
		return p, ""
	}
	return p, rec.CustomStatus
}

// RestoreDisplayStatus 冷启动时缓存为空，按持久化记录补回非默认状态
func (s *StatusService) RestoreDisplayStatus(ctx context.Context, userID string) {
	if s.records == nil {
		return
	}
	current, err := s.display.Get(ctx, userID)
	if err != nil || current != "" {
		return
	}
	rec, err := s.records.Get(ctx, userID)
	if err != nil {
		zlog.C(ctx).Warn("load presence record failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if rec == nil || rec.Status == "" || rec.Status == entity.StatusOnline {
		return
	}
	if err := s.display.Set(ctx, userID, rec.Status); err != nil {
		zlog.C(ctx).Warn("restore display status failed", zap.String("user_id", userID), zap.Error(err))
	}
}
