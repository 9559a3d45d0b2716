package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

const (
	DefaultSubject         = "presence.updates"
	DefaultDeliverySubject = "presence.deliver"
)

// Connect 无限重连，断线和恢复都记日志
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

// subject 普通订阅，不用队列组，每个实例都要收到
type subject struct {
	nc   *nats.Conn
	name string
}

func (s subject) publish(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.name, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.name, err)
	}
	return nil
}

func (s subject) Subscribe(ctx context.Context, handler out.MessageHandler) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := s.nc.ChanSubscribe(s.name, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.name, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			handler(ctx, m.Data)
		}
	}
}

type PresenceBusNATS struct {
	subject
}

func NewPresenceBusNATS(nc *nats.Conn, name string) *PresenceBusNATS {
	if name == "" {
		name = DefaultSubject
	}
	return &PresenceBusNATS{subject{nc: nc, name: name}}
}

var _ out.PresenceBus = (*PresenceBusNATS)(nil)

func (b *PresenceBusNATS) Publish(_ context.Context, userID string) error {
	return b.publish(entity.PresenceChanged{UserID: userID})
}

type DeliveryBusNATS struct {
	subject
}

func NewDeliveryBusNATS(nc *nats.Conn, name string) *DeliveryBusNATS {
	if name == "" {
		name = DefaultDeliverySubject
	}
	return &DeliveryBusNATS{subject{nc: nc, name: name}}
}

var _ out.DeliveryBus = (*DeliveryBusNATS)(nil)

func (b *DeliveryBusNATS) Publish(_ context.Context, d entity.Delivery) error {
	return b.publish(d)
}
