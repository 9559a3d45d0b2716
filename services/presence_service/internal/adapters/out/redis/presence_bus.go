package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// channel Redis Pub/Sub 频道的发布和订阅
type channel struct {
	client redis.UniversalClient
	name   string
}

func (c channel) publish(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.name, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.name, err)
	}
	return nil
}

// Subscribe 订阅确认后才开始循环，ctx 结束时退出
func (c channel) Subscribe(ctx context.Context, handler out.MessageHandler) error {
	sub := c.client.Subscribe(ctx, c.name)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// PresenceBusRedis 在线变化信号，消息体 {"userId": ...}
type PresenceBusRedis struct {
	channel
}

func NewPresenceBusRedis(client redis.UniversalClient, name string) *PresenceBusRedis {
	if name == "" {
		name = DefaultChannel
	}
	return &PresenceBusRedis{channel{client: client, name: name}}
}

var _ out.PresenceBus = (*PresenceBusRedis)(nil)

func (b *PresenceBusRedis) Publish(ctx context.Context, userID string) error {
	return b.publish(ctx, entity.PresenceChanged{UserID: userID})
}

// DeliveryBusRedis 通知转发
type DeliveryBusRedis struct {
	channel
}

func NewDeliveryBusRedis(client redis.UniversalClient, name string) *DeliveryBusRedis {
	if name == "" {
		name = DefaultDeliveryChannel
	}
	return &DeliveryBusRedis{channel{client: client, name: name}}
}

var _ out.DeliveryBus = (*DeliveryBusRedis)(nil)

func (b *DeliveryBusRedis) Publish(ctx context.Context, d entity.Delivery) error {
	return b.publish(ctx, d)
}
