package out

import (
	"context"
	"errors"
	"time"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

var ErrSocketNotFound = errors.New("socket registration not found")

// SocketRepository 连接登记与在线聚合
type SocketRepository interface {
	// Register 登记连接，首个连接时 Flipped=true
	Register(ctx context.Context, meta entity.SocketMetadata) (entity.FlipResult, error)
	// Unregister 注销连接，最后一个连接时 Flipped=true
	Unregister(ctx context.Context, userID, connectionID string) (entity.FlipResult, error)
	// Heartbeat 续期连接和在线标记，登记不存在返回 ErrSocketNotFound
	Heartbeat(ctx context.Context, userID, connectionID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	SocketCount(ctx context.Context, userID string) (int64, error)
}

// DisplayStatusRepository 展示状态，空值表示未设置
type DisplayStatusRepository interface {
	Set(ctx context.Context, userID string, status entity.UserStatus) error
	Get(ctx context.Context, userID string) (entity.UserStatus, error)
	Remove(ctx context.Context, userID string) error
}

// PresenceState 单次批量读取得到的原始状态
type PresenceState struct {
	IsOnline bool
	Display  entity.UserStatus
	LastSeen *time.Time
}

// PresenceStateReader 一次往返读取在线标记和展示状态
type PresenceStateReader interface {
	Read(ctx context.Context, userID string) (PresenceState, error)
	// ReadBatch 结果与入参位置一一对应
	ReadBatch(ctx context.Context, userIDs []string) ([]PresenceState, error)
}

// FriendCache 对称好友集合缓存
type FriendCache interface {
	AddFriend(ctx context.Context, a, b string) error
	RemoveFriend(ctx context.Context, a, b string) error
	// GetFriends cached=false 表示缓存里没有这个用户
	GetFriends(ctx context.Context, userID string) (friends []string, cached bool, err error)
	// ReplaceFriends 用关系库数据重建缓存
	ReplaceFriends(ctx context.Context, userID string, friends []string) error
	// GetUsersWhoseFriend 反查谁把该用户加为好友
	GetUsersWhoseFriend(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	Invalidate(ctx context.Context, userID string) error
}

// MessageHandler 收到的原始消息，解析失败由调用方处理
type MessageHandler func(ctx context.Context, payload []byte)

// PresenceBus 跨实例的在线变化通道
type PresenceBus interface {
	Publish(ctx context.Context, userID string) error
	// Subscribe 阻塞直到 ctx 结束
	Subscribe(ctx context.Context, handler MessageHandler) error
}

// DeliveryBus 把通知转给其他实例上的本地连接
type DeliveryBus interface {
	Publish(ctx context.Context, d entity.Delivery) error
	Subscribe(ctx context.Context, handler MessageHandler) error
}

// FriendshipRepository 关系库好友数据
type FriendshipRepository interface {
	ListFriendIDs(ctx context.Context, userID string) ([]string, error)
}

// PresenceRecordRepository 关系库持久化状态
type PresenceRecordRepository interface {
	UpsertStatus(ctx context.Context, userID string, status entity.UserStatus) error
	SetCustomStatus(ctx context.Context, userID, customStatus string) error
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, userID string) (*entity.PresenceRecord, error)
}
