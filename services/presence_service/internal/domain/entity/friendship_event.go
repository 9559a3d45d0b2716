package entity

// FriendshipEventType 关系服务发出的事件类型
type FriendshipEventType string

const (
	FriendshipRequestSent      FriendshipEventType = "friend.request_sent"
	FriendshipRequestAccepted  FriendshipEventType = "friend.request_accepted"
	FriendshipRequestRejected  FriendshipEventType = "friend.request_rejected"
	FriendshipRequestCancelled FriendshipEventType = "friend.request_cancelled"
	FriendshipRemoved          FriendshipEventType = "friend.removed"

	RelationBlocked   FriendshipEventType = "relation.blocked"
	RelationUnblocked FriendshipEventType = "relation.unblocked"
	RelationMuted     FriendshipEventType = "relation.muted"
	RelationUnmuted   FriendshipEventType = "relation.unmuted"
	RelationIgnored   FriendshipEventType = "relation.ignored"
	RelationUnignored FriendshipEventType = "relation.unignored"
)

// FriendshipEvent Source 是发起动作的一方
type FriendshipEvent struct {
	Type         FriendshipEventType `json:"type"`
	FriendshipID string              `json:"friendshipId,omitempty"`
	RelationID   string              `json:"relationId,omitempty"`
	Status       string              `json:"status,omitempty"`
	Source       UserInfo            `json:"source"`
	Target       UserInfo            `json:"target"`
}

// RelationEventCode relation.* 到通知事件码
func (t FriendshipEventType) RelationEventCode() (EventCode, bool) {
	switch t {
	case RelationBlocked:
		return EventUserBlocked, true
	case RelationUnblocked:
		return EventUserUnblocked, true
	case RelationMuted:
		return EventUserMuted, true
	case RelationUnmuted:
		return EventUserUnmuted, true
	case RelationIgnored:
		return EventUserIgnored, true
	case RelationUnignored:
		return EventUserUnignored, true
	}
	return "", false
}
