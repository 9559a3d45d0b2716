package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedMessage = errors.New("malformed bus message")

// Delivery 跨实例转发的一次投递，Origin 实例已经在本地发过
type Delivery struct {
	Origin   string
	UserIDs  []string
	Envelope Envelope
}

type deliveryWire struct {
	Origin    string          `json:"origin"`
	UserIDs   []string        `json:"userIds"`
	Code      EventCode       `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (d Delivery) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(d.Envelope.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deliveryWire{
		Origin:    d.Origin,
		UserIDs:   d.UserIDs,
		Code:      d.Envelope.Code,
		Message:   d.Envelope.Message,
		Data:      data,
		Timestamp: d.Envelope.Timestamp,
	})
}

// DecodeDelivery 载荷按事件码还原成具体类型
func DecodeDelivery(raw []byte) (Delivery, error) {
	var w deliveryWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(w.UserIDs) == 0 {
		return Delivery{}, fmt.Errorf("%w: no recipients", ErrMalformedMessage)
	}
	data, err := DecodeNotificationData(w.Code, w.Data)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Delivery{
		Origin:  w.Origin,
		UserIDs: w.UserIDs,
		Envelope: Envelope{
			Code:      w.Code,
			Message:   w.Message,
			Data:      data,
			Timestamp: w.Timestamp,
		},
	}, nil
}

// PresenceChanged presence:updates 频道上的消息
type PresenceChanged struct {
	UserID string `json:"userId"`
}

func DecodePresenceChanged(raw []byte) (PresenceChanged, error) {
	var m PresenceChanged
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.UserID == "" {
		return m, fmt.Errorf("%w: empty userId", ErrMalformedMessage)
	}
	return m, nil
}
