package out

import (
	"context"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

// LocalDelivery 本实例持有的连接
type LocalDelivery interface {
	// SendToUser 发给该用户在本实例上的所有连接，返回投递数
	SendToUser(userID string, env entity.Envelope) int
	// SendToConnection 只发给一个连接
	SendToConnection(userID, connectionID string, env entity.Envelope) bool
	HasLocal(userID string) bool
}

// IdentityVerifier 凭证校验
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (*entity.Identity, error)
}
