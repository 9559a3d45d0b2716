package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// PresenceRelay 每个实例各自订阅，只投递给本实例持有的连接
type PresenceRelay struct {
	bus      out.PresenceBus
	presence in.PresenceQuery
	cache    out.FriendCache
	friends  in.FriendsUseCase
	local    out.LocalDelivery
	now      func() time.Time
}

func NewPresenceRelay(
	bus out.PresenceBus,
	presence in.PresenceQuery,
	cache out.FriendCache,
	friends in.FriendsUseCase,
	local out.LocalDelivery,
) *PresenceRelay {
	return &PresenceRelay{
		bus:      bus,
		presence: presence,
		cache:    cache,
		friends:  friends,
		local:    local,
		now:      time.Now,
	}
}

var _ in.Relay = (*PresenceRelay)(nil)

func (r *PresenceRelay) Run(ctx context.Context) error {
	zlog.C(ctx).Info("presence relay subscribing")
	return r.bus.Subscribe(ctx, r.HandleMessage)
}

// HandleMessage 消息格式不对就丢弃，不中断订阅循环
func (r *PresenceRelay) HandleMessage(ctx context.Context, payload []byte) {
	msg, err := entity.DecodePresenceChanged(payload)
	if err != nil {
		relayMessages.WithLabelValues("presence", "malformed").Inc()
		zlog.C(ctx).Warn("drop malformed presence message", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	log := zlog.C(ctx).With(zap.String("user_id", msg.UserID))

	watchers, err := r.cache.GetUsersWhoseFriend(ctx, msg.UserID)
	if err != nil {
		relayMessages.WithLabelValues("presence", "error").Inc()
		log.Warn("lookup watchers failed", zap.Error(err))
		return
	}

	var local []string
	for _, w := range watchers {
		if r.local.HasLocal(w) {
			local = append(local, w)
		}
	}
	relayMessages.WithLabelValues("presence", "ok").Inc()
	if len(local) == 0 {
		return
	}

	p := r.presence.GetPresenceStatus(ctx, msg.UserID)
	env, err := entity.NewEnvelope(entity.EventPresenceUpdate, p.Snapshot(), "", r.now())
	if err != nil {
		log.Error("build presence envelope failed", zap.Error(err))
		return
	}
	for _, w := range local {
		if n := r.local.SendToUser(w, env); n > 0 {
			notificationsSent.WithLabelValues(string(env.Code)).Add(float64(n))
		}
	}
	log.Debug("presence relayed", zap.String("status", string(p.ActualStatus)), zap.Int("watchers", len(local)))
}

// InitialSync 握手后把好友状态一次性推给这个连接
func (r *PresenceRelay) InitialSync(ctx context.Context, userID, connectionID string) {
	friends := r.friends.GetFriends(ctx, userID)
	resolved := r.presence.GetBatchPresence(ctx, friends)

	snaps := make([]entity.PresenceSnapshot, len(resolved))
	for i, p := range resolved {
		snaps[i] = p.Snapshot()
	}

	env, err := entity.NewEnvelope(entity.EventInitialPresenceSync, entity.InitialPresenceSync{Friends: snaps}, "", r.now())
	if err != nil {
		zlog.C(ctx).Error("build initial sync failed", zap.Error(err))
		return
	}
	if !r.local.SendToConnection(userID, connectionID, env) {
		zlog.C(ctx).Debug("initial sync target gone", zap.String("user_id", userID), zap.String("conn_id", connectionID))
	}
}
