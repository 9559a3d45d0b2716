package entity

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidStatus = errors.New("invalid user status")

// UserStatus 用户可见状态
type UserStatus string

const (
	StatusOnline    UserStatus = "ONLINE"
	StatusIdle      UserStatus = "IDLE"
	StatusDND       UserStatus = "DND"
	StatusInvisible UserStatus = "INVISIBLE"
)

// ParseUserStatus 大小写不敏感
func ParseUserStatus(s string) (UserStatus, error) {
	switch st := UserStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

func (s UserStatus) Valid() bool {
	_, err := ParseUserStatus(string(s))
	return err == nil
}

// ResolvedPresence 读时计算，不落库
type ResolvedPresence struct {
	UserID        string     `json:"userId"`
	IsOnline      bool       `json:"isOnline"`
	DisplayStatus UserStatus `json:"displayStatus,omitempty"` // 空表示未设置
	ActualStatus  UserStatus `json:"actualStatus"`
	LastSeen      *time.Time `json:"lastSeen"`
}

// Resolve 在线时取展示状态（缺省 ONLINE），离线一律 INVISIBLE
func Resolve(userID string, isOnline bool, display UserStatus, lastSeen *time.Time) ResolvedPresence {
	actual := StatusInvisible
	if isOnline {
		actual = StatusOnline
		if display != "" {
			actual = display
		}
	}
	return ResolvedPresence{
		UserID:        userID,
		IsOnline:      isOnline,
		DisplayStatus: display,
		ActualStatus:  actual,
		LastSeen:      lastSeen,
	}
}

// Snapshot 转成推送给客户端的快照
func (p ResolvedPresence) Snapshot() PresenceSnapshot {
	return PresenceSnapshot{UserID: p.UserID, Status: p.ActualStatus, LastSeen: p.LastSeen}
}

// SocketMetadata 单个连接的登记信息
type SocketMetadata struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Device       string    `json:"device"`
	IP           string    `json:"ip"`
	InstanceID   string    `json:"instanceId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastPing     time.Time `json:"lastPing"`
}

// Identity 鉴权后的用户身份
type Identity struct {
	ID       string
	Username string
	Avatar   string
}

// PresenceRecord 关系库里的持久化状态
type PresenceRecord struct {
	UserID       string
	Status       UserStatus
	CustomStatus string
	UpdatedAt    time.Time
}

// FlipResult 连接计数变化的结果
type FlipResult struct {
	SocketCount int64
	Flipped     bool // 0→1 或 1→0
}
