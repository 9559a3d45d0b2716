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

// SessionService 握手顺序：恢复展示状态、登记、CONNECTED、初始同步
type SessionService struct {
	tracker in.ConnectionUseCase
	status  in.StatusUseCase
	relay   in.Relay
	local   out.LocalDelivery
	now     func() time.Time
}

func NewSessionService(tracker in.ConnectionUseCase, status in.StatusUseCase, relay in.Relay, local out.LocalDelivery) *SessionService {
	return &SessionService{tracker: tracker, status: status, relay: relay, local: local, now: time.Now}
}

var _ in.SessionUseCase = (*SessionService)(nil)

func (s *SessionService) OnConnect(ctx context.Context, meta entity.SocketMetadata) {
	ctx = zlog.With(ctx, zap.String("user_id", meta.UserID), zap.String("conn_id", meta.ConnectionID))

	s.status.RestoreDisplayStatus(ctx, meta.UserID)
	s.tracker.MarkOnline(ctx, meta)

	env, err := entity.NewEnvelope(entity.EventConnected, entity.Connected{UserID: meta.UserID, ConnectionID: meta.ConnectionID}, "", s.now())
	if err == nil {
		s.local.SendToConnection(meta.UserID, meta.ConnectionID, env)
	}

	s.relay.InitialSync(ctx, meta.UserID, meta.ConnectionID)
	zlog.C(ctx).Info("session started", zap.String("device", meta.Device))
}

func (s *SessionService) OnDisconnect(ctx context.Context, meta entity.SocketMetadata) {
	ctx = zlog.With(ctx, zap.String("user_id", meta.UserID), zap.String("conn_id", meta.ConnectionID))
	s.tracker.MarkOffline(ctx, meta.UserID, meta.ConnectionID)
	zlog.C(ctx).Info("session closed")
}
