package ws

import "encoding/json"

// MessageType 帧类型
type MessageType string

const (
	// 客户端
	MsgTypePing         MessageType = "ping"
	MsgTypeStatusUpdate MessageType = "status_update"
	MsgTypeStatusGet    MessageType = "status_get"

	// 服务端
	MsgTypePong  MessageType = "pong"
	MsgTypeEvent MessageType = "event"
	MsgTypeAck   MessageType = "ack"
	MsgTypeError MessageType = "error"
)

// Message 上下行统一帧，事件信封放在 Data 里
type Message struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type statusUpdateData struct {
	Status string `json:"status"`
}
