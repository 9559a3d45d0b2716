package redis

import "time"

const (
	socketKeyPrefix   = "presence:"         // presence:{uid}:{sid} 单连接元数据
	socketsKeyPrefix  = "presence:sockets:" // 连接 ID 集合
	onlineKeyPrefix   = "presence:online:"
	lastSeenKeyPrefix = "presence:lastseen:"
	displayKeyPrefix  = "display:status:"
	friendsKeyPrefix  = "friends:"
	friendOfKeyPrefix = "friends:of:"   // 反向索引
	noFriendsPrefix   = "friends:none:" // 已回源且没有好友

	DefaultChannel         = "presence:updates"
	DefaultDeliveryChannel = "presence:deliver"
)

// Options 各类 key 的过期时间
type Options struct {
	SocketTTL        time.Duration
	DisplayStatusTTL time.Duration
	FriendsTTL       time.Duration
	EmptyFriendsTTL  time.Duration
	LastSeenTTL      time.Duration
}

func DefaultOptions() Options {
	return Options{
		SocketTTL:        90 * time.Second,
		DisplayStatusTTL: 24 * time.Hour,
		FriendsTTL:       24 * time.Hour,
		EmptyFriendsTTL:  5 * time.Minute,
		LastSeenTTL:      7 * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SocketTTL <= 0 {
		o.SocketTTL = d.SocketTTL
	}
	if o.DisplayStatusTTL <= 0 {
		o.DisplayStatusTTL = d.DisplayStatusTTL
	}
	if o.FriendsTTL <= 0 {
		o.FriendsTTL = d.FriendsTTL
	}
	if o.EmptyFriendsTTL <= 0 {
		o.EmptyFriendsTTL = d.EmptyFriendsTTL
	}
	if o.LastSeenTTL <= 0 {
		o.LastSeenTTL = d.LastSeenTTL
	}
	return o
}

func socketKey(userID, connectionID string) string {
	return socketKeyPrefix + userID + ":" + connectionID
}

func socketsKey(userID string) string  { return socketsKeyPrefix + userID }
func onlineKey(userID string) string   { return onlineKeyPrefix + userID }
func lastSeenKey(userID string) string { return lastSeenKeyPrefix + userID }
func displayKey(userID string) string  { return displayKeyPrefix + userID }
func friendsKey(userID string) string  { return friendsKeyPrefix + userID }
func friendOfKey(userID string) string { return friendOfKeyPrefix + userID }
func noFriendsKey(userID string) string { return noFriendsPrefix + userID }
