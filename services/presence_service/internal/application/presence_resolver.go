package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// PresenceResolver 读路径，出错时按离线处理
type PresenceResolver struct {
	reader out.PresenceStateReader
}

func NewPresenceResolver(reader out.PresenceStateReader) *PresenceResolver {
	return &PresenceResolver{reader: reader}
}

var _ in.PresenceQuery = (*PresenceResolver)(nil)

func (r *PresenceResolver) GetPresenceStatus(ctx context.Context, userID string) entity.ResolvedPresence {
	st, err := r.reader.Read(ctx, userID)
	if err != nil {
		storeErrors.WithLabelValues("read_presence").Inc()
		zlog.C(ctx).Warn("read presence failed", zap.String("user_id", userID), zap.Error(err))
		return entity.Resolve(userID, false, "", nil)
	}
	return resolveState(userID, st)
}

func (r *PresenceResolver) GetBatchPresence(ctx context.Context, userIDs []string) []entity.ResolvedPresence {
	res := make([]entity.ResolvedPresence, len(userIDs))
	if len(userIDs) == 0 {
		return res
	}

	states, err := r.reader.ReadBatch(ctx, userIDs)
	if err != nil || len(states) != len(userIDs) {
		storeErrors.WithLabelValues("read_presence_batch").Inc()
		zlog.C(ctx).Warn("batch read presence failed", zap.Int("users", len(userIDs)), zap.Error(err))
		states = make([]out.PresenceState, len(userIDs))
	}
	for i, id := range userIDs {
		res[i] = resolveState(id, states[i])
	}
	return res
}

// 在线时不返回最后在线时间
func resolveState(userID string, st out.PresenceState) entity.ResolvedPresence {
	lastSeen := st.LastSeen
	if st.IsOnline {
		lastSeen = nil
	}
	return entity.Resolve(userID, st.IsOnline, st.Display, lastSeen)
}
