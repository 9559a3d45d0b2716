package in

import (
	"context"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

// ConnectionUseCase 传输层的连接生命周期钩子，存储异常只记录日志
type ConnectionUseCase interface {
	MarkOnline(ctx context.Context, meta entity.SocketMetadata)
	MarkOffline(ctx context.Context, userID, connectionID string)
	// Heartbeat 续期，登记已过期时重新登记
	Heartbeat(ctx context.Context, meta entity.SocketMetadata)
	IsOnline(ctx context.Context, userID string) bool
	GetSocketCount(ctx context.Context, userID string) int64
}

// PresenceQuery 在线状态读路径
type PresenceQuery interface {
	GetPresenceStatus(ctx context.Context, userID string) entity.ResolvedPresence
	// GetBatchPresence 顺序与入参一致，未知用户为 INVISIBLE
	GetBatchPresence(ctx context.Context, userIDs []string) []entity.ResolvedPresence
}

// StatusUseCase 展示状态写路径
type StatusUseCase interface {
	UpdatePresenceStatus(ctx context.Context, userID, username string, status entity.UserStatus, updateDisplayStatus bool) error
	SetCustomStatus(ctx context.Context, userID, text string) error
	GetStatus(ctx context.Context, userID string) entity.StatusCurrent
	// GetProfile 资料页需要的在线状态和自定义文案
	GetProfile(ctx context.Context, userID string) (entity.ResolvedPresence, string)
	// RestoreDisplayStatus 缓存为空时用持久化记录恢复
	RestoreDisplayStatus(ctx context.Context, userID string)
}

// SessionUseCase 连接建立和断开时的编排
type SessionUseCase interface {
	OnConnect(ctx context.Context, meta entity.SocketMetadata)
	OnDisconnect(ctx context.Context, meta entity.SocketMetadata)
}

// NotifyRequest 一次通知
type NotifyRequest struct {
	Event        entity.EventCode
	SourceUserID string
	TargetUserID string
	Target       entity.Target
	Data         entity.NotificationData
	Message      string
}

// Notifier 通知路由
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest) error
	NotifySource(ctx context.Context, event entity.EventCode, sourceUserID, targetUserID string, data entity.NotificationData, message string) error
	NotifyTarget(ctx context.Context, event entity.EventCode, sourceUserID, targetUserID string, data entity.NotificationData, message string) error
	NotifyBoth(ctx context.Context, event entity.EventCode, sourceUserID, targetUserID string, data entity.NotificationData, message string) error
	// SendToUser 直接发给某个用户，不经过 targeting
	SendToUser(ctx context.Context, userID string, event entity.EventCode, data entity.NotificationData) error
	SendToUsers(ctx context.Context, userIDs []string, event entity.EventCode, data entity.NotificationData) error
	Broadcast(ctx context.Context, userIDs []string, event entity.EventCode, data entity.NotificationData, message string) error
}

// Relay 跨实例转发和握手同步
type Relay interface {
	Run(ctx context.Context) error
	HandleMessage(ctx context.Context, payload []byte)
	InitialSync(ctx context.Context, userID, connectionID string)
}

// FriendsUseCase 好友缓存读写，缓存缺失时回源
type FriendsUseCase interface {
	GetFriends(ctx context.Context, userID string) []string
	AddFriend(ctx context.Context, a, b string) error
	RemoveFriend(ctx context.Context, a, b string) error
}
