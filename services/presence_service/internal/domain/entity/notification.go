package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownEvent    = errors.New("unknown event code")
	ErrPayloadMismatch = errors.New("payload does not belong to event")
	ErrUnknownTarget   = errors.New("unknown notification target")
)

// EventCode 事件码，封闭集合
type EventCode string

const (
	EventPresenceUpdate      EventCode = "PRESENCE_UPDATE"
	EventInitialPresenceSync EventCode = "INITIAL_PRESENCE_SYNC"
	EventPresenceUpdated     EventCode = "PRESENCE_UPDATED"
	EventStatusUpdated       EventCode = "STATUS_UPDATED"
	EventStatusCurrent       EventCode = "STATUS_CURRENT"
	EventConnected           EventCode = "CONNECTED"

	EventFriendRequestReceived          EventCode = "FRIEND_REQUEST_RECEIVED"
	EventFriendRequestSent              EventCode = "FRIEND_REQUEST_SENT"
	EventFriendRequestAccepted          EventCode = "FRIEND_REQUEST_ACCEPTED"
	EventFriendRequestRejected          EventCode = "FRIEND_REQUEST_REJECTED"
	EventFriendRequestCancelled         EventCode = "FRIEND_REQUEST_CANCELLED"
	EventFriendRequestCancelledBySender EventCode = "FRIEND_REQUEST_CANCELLED_BY_SENDER"
	EventFriendRemoved                  EventCode = "FRIEND_REMOVED"

	EventUserBlocked   EventCode = "USER_BLOCKED"
	EventUserUnblocked EventCode = "USER_UNBLOCKED"
	EventUserMuted     EventCode = "USER_MUTED"
	EventUserUnmuted   EventCode = "USER_UNMUTED"
	EventUserIgnored   EventCode = "USER_IGNORED"
	EventUserUnignored EventCode = "USER_UNIGNORED"
)

var defaultMessages = map[EventCode]string{
	EventPresenceUpdate:      "Presence update",
	EventInitialPresenceSync: "Initial presence sync",
	EventPresenceUpdated:     "Presence updated",
	EventStatusUpdated:       "Status updated",
	EventStatusCurrent:       "Current status",
	EventConnected:           "Connected",

	EventFriendRequestReceived:          "Friend request received",
	EventFriendRequestSent:              "Friend request sent",
	EventFriendRequestAccepted:          "Friend request accepted",
	EventFriendRequestRejected:          "Friend request rejected",
	EventFriendRequestCancelled:         "Friend request cancelled",
	EventFriendRequestCancelledBySender: "You cancelled a friend request",
	EventFriendRemoved:                  "Friend removed",

	EventUserBlocked:   "User blocked",
	EventUserUnblocked: "User unblocked",
	EventUserMuted:     "User muted",
	EventUserUnmuted:   "User unmuted",
	EventUserIgnored:   "User ignored",
	EventUserUnignored: "User unignored",
}

// DefaultMessage 按事件码取默认文案
func (c EventCode) DefaultMessage() string {
	if m, ok := defaultMessages[c]; ok {
		return m
	}
	return "Notification"
}

func (c EventCode) Known() bool {
	_, ok := defaultMessages[c]
	return ok
}

// Target 通知对象
type Target string

const (
	TargetSource Target = "SOURCE"
	TargetTarget Target = "TARGET"
	TargetBoth   Target = "BOTH"
)

// Recipients 只由 target 和双方 ID 决定
func (t Target) Recipients(sourceUserID, targetUserID string) ([]string, error) {
	switch t {
	case TargetSource:
		return []string{sourceUserID}, nil
	case TargetTarget:
		return []string{targetUserID}, nil
	case TargetBoth:
		if sourceUserID == targetUserID {
			return []string{sourceUserID}, nil
		}
		return []string{sourceUserID, targetUserID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, string(t))
	}
}

// Envelope 推送给客户端的统一结构
type Envelope struct {
	Code      EventCode        `json:"code"`
	Message   string           `json:"message"`
	Data      NotificationData `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEnvelope message 为空时取默认文案
func NewEnvelope(code EventCode, data NotificationData, message string, now time.Time) (Envelope, error) {
	if !code.Known() {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownEvent, code)
	}
	if data == nil || !data.Matches(code) {
		return Envelope{}, fmt.Errorf("%w: %s", ErrPayloadMismatch, code)
	}
	if message == "" {
		message = code.DefaultMessage()
	}
	return Envelope{Code: code, Message: message, Data: data, Timestamp: now.UTC()}, nil
}

// NotificationData 每个事件码对应唯一的载荷类型
type NotificationData interface {
	Matches(code EventCode) bool
}

// UserInfo 通知里携带的用户简要信息
type UserInfo struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

// PresenceSnapshot PRESENCE_UPDATE
type PresenceSnapshot struct {
	UserID   string     `json:"userId"`
	Status   UserStatus `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

func (PresenceSnapshot) Matches(c EventCode) bool { return c == EventPresenceUpdate }

// InitialPresenceSync 握手后一次性推送好友状态
type InitialPresenceSync struct {
	Friends []PresenceSnapshot `json:"friends"`
}

func (InitialPresenceSync) Matches(c EventCode) bool { return c == EventInitialPresenceSync }

// PresenceUpdated 主动改状态后推给好友
type PresenceUpdated struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Status   UserStatus `json:"status"`
}

func (PresenceUpdated) Matches(c EventCode) bool { return c == EventPresenceUpdated }

// StatusUpdated 推给本人所有设备
type StatusUpdated struct {
	UserID string     `json:"userId"`
	Status UserStatus `json:"status"`
}

func (StatusUpdated) Matches(c EventCode) bool { return c == EventStatusUpdated }

type StatusCurrent struct {
	ConnectionStatus UserStatus `json:"connectionStatus"`
	DisplayStatus    UserStatus `json:"displayStatus"`
	ActualStatus     UserStatus `json:"actualStatus"`
}

func (StatusCurrent) Matches(c EventCode) bool { return c == EventStatusCurrent }

type Connected struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

func (Connected) Matches(c EventCode) bool { return c == EventConnected }

type FriendRequestReceived struct {
	FriendshipID string   `json:"friendshipId"`
	FromUser     UserInfo `json:"fromUser"`
	Status       string   `json:"status"`
}

func (FriendRequestReceived) Matches(c EventCode) bool { return c == EventFriendRequestReceived }

type FriendRequestSent struct {
	FriendshipID string   `json:"friendshipId"`
	ToUser       UserInfo `json:"toUser"`
	Status       string   `json:"status"`
}

func (FriendRequestSent) Matches(c EventCode) bool { return c == EventFriendRequestSent }

type FriendRequestAccepted struct {
	FriendshipID string   `json:"friendshipId"`
	NewFriend    UserInfo `json:"newFriend"`
	Status       string   `json:"status"`
}

func (FriendRequestAccepted) Matches(c EventCode) bool { return c == EventFriendRequestAccepted }

// FriendRequestClosed 拒绝或撤回
type FriendRequestClosed struct {
	FriendshipID string `json:"friendshipId"`
}

func (FriendRequestClosed) Matches(c EventCode) bool {
	return c == EventFriendRequestRejected ||
		c == EventFriendRequestCancelled ||
		c == EventFriendRequestCancelledBySender
}

type FriendRemoved struct {
	FriendshipID  string    `json:"friendshipId"`
	RemovedByUser *UserInfo `json:"removedByUser,omitempty"`
}

func (FriendRemoved) Matches(c EventCode) bool { return c == EventFriendRemoved }

// RelationChanged 拉黑、静音、忽略及其撤销
type RelationChanged struct {
	RelationID string   `json:"relationId,omitempty"`
	TargetUser UserInfo `json:"targetUser"`
	ActorUser  UserInfo `json:"actorUser"`
}

func (RelationChanged) Matches(c EventCode) bool {
	switch c {
	case EventUserBlocked, EventUserUnblocked,
		EventUserMuted, EventUserUnmuted,
		EventUserIgnored, EventUserUnignored:
		return true
	}
	return false
}

// DecodeNotificationData 按事件码把原始 JSON 解成对应载荷
func DecodeNotificationData(code EventCode, raw json.RawMessage) (NotificationData, error) {
	var data NotificationData
	switch code {
	case EventPresenceUpdate:
		data = &PresenceSnapshot{}
	case EventInitialPresenceSync:
		data = &InitialPresenceSync{}
	case EventPresenceUpdated:
		data = &PresenceUpdated{}
	case EventStatusUpdated:
		data = &StatusUpdated{}
	case EventStatusCurrent:
		data = &StatusCurrent{}
	case EventConnected:
		data = &Connected{}
	case EventFriendRequestReceived:
		data = &FriendRequestReceived{}
	case EventFriendRequestSent:
		data = &FriendRequestSent{}
	case EventFriendRequestAccepted:
		data = &FriendRequestAccepted{}
	case EventFriendRequestRejected, EventFriendRequestCancelled, EventFriendRequestCancelledBySender:
		data = &FriendRequestClosed{}
	case EventFriendRemoved:
		data = &FriendRemoved{}
	case EventUserBlocked, EventUserUnblocked, EventUserMuted,
		EventUserUnmuted, EventUserIgnored, EventUserUnignored:
		data = &RelationChanged{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, code)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", code, err)
		}
	}
	return data, nil
}
