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

// ConnectionTracker 连接登记，只在 0→1 / 1→0 时发布信号，不直接通知好友
type ConnectionTracker struct {
	sockets out.SocketRepository
	bus     out.PresenceBus
}

func NewConnectionTracker(sockets out.SocketRepository, bus out.PresenceBus) *ConnectionTracker {
	return &ConnectionTracker{sockets: sockets, bus: bus}
}

var _ in.ConnectionUseCase = (*ConnectionTracker)(nil)

// MarkOnline 存储不可用时只记日志，不影响握手
func (t *ConnectionTracker) MarkOnline(ctx context.Context, meta entity.SocketMetadata) {
	log := zlog.C(ctx).With(zap.String("user_id", meta.UserID), zap.String("conn_id", meta.ConnectionID))

	res, err := t.sockets.Register(ctx, meta)
	if err != nil {
		storeErrors.WithLabelValues("register").Inc()
		log.Warn("register socket failed, presence degraded", zap.Error(err))
		return
	}
	log.Debug("socket registered", zap.Int64("sockets", res.SocketCount))

	if res.Flipped {
		presenceFlips.WithLabelValues("online").Inc()
		t.publish(ctx, meta.UserID)
	}
}

// MarkOffline 最后一个连接断开时发布信号
func (t *ConnectionTracker) MarkOffline(ctx context.Context, userID, connectionID string) {
	log := zlog.C(ctx).With(zap.String("user_id", userID), zap.String("conn_id", connectionID))

	res, err := t.sockets.Unregister(ctx, userID, connectionID)
	if err != nil {
		storeErrors.WithLabelValues("unregister").Inc()
		log.Warn("unregister socket failed, relying on ttl", zap.Error(err))
		return
	}
	log.Debug("socket unregistered", zap.Int64("sockets", res.SocketCount))

	if res.Flipped {
		presenceFlips.WithLabelValues("offline").Inc()
		t.publish(ctx, userID)
	}
}

// Heartbeat 登记过期时重新登记，可能再次触发上线
func (t *ConnectionTracker) Heartbeat(ctx context.Context, meta entity.SocketMetadata) {
	err := t.sockets.Heartbeat(ctx, meta.UserID, meta.ConnectionID)
	if errors.Is(err, out.ErrSocketNotFound) {
		t.MarkOnline(ctx, meta)
		return
	}
	if err != nil {
		storeErrors.WithLabelValues("heartbeat").Inc()
		zlog.C(ctx).Warn("heartbeat failed", zap.String("user_id", meta.UserID), zap.Error(err))
	}
}

func (t *ConnectionTracker) IsOnline(ctx context.Context, userID string) bool {
	ok, err := t.sockets.IsOnline(ctx, userID)
	if err != nil {
		storeErrors.WithLabelValues("is_online").Inc()
		zlog.C(ctx).Warn("is online failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

func (t *ConnectionTracker) GetSocketCount(ctx context.Context, userID string) int64 {
	n, err := t.sockets.SocketCount(ctx, userID)
	if err != nil {
		storeErrors.WithLabelValues("socket_count").Inc()
		zlog.C(ctx).Warn("socket count failed", zap.String("user_id", userID), zap.Error(err))
		return 0
	}
	return n
}

func (t *ConnectionTracker) publish(ctx context.Context, userID string) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, userID); err != nil {
		storeErrors.WithLabelValues("publish").Inc()
		zlog.C(ctx).Warn("publish presence change failed", zap.String("user_id", userID), zap.Error(err))
	}
}
