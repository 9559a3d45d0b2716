package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

const (
	TopicFriendshipEvents = "im.friendship.events"
	TopicRelationEvents   = "im.relation.events"
	TopicDeadLetter       = "im.presence.dead_letter"
)

// EventHandler 由 FriendshipEventService 实现
type EventHandler interface {
	Handle(ctx context.Context, ev entity.FriendshipEvent) error
}

// DeadLetterMessage 处理失败的原始消息
type DeadLetterMessage struct {
	OriginalTopic string          `json:"original_topic"`
	OriginalKey   string          `json:"original_key"`
	Payload       json.RawMessage `json:"payload"`
	ErrorMsg      string          `json:"error_msg"`
	CreatedAt     int64           `json:"created_at"`
}

type ConsumerConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  []string `mapstructure:"topics"`
	// 为空时失败消息只记日志
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// FriendshipConsumer 消费关系服务事件，所有实例共享一个消费组
// 通知经 DeliveryBus 转发，所以不需要每个实例都收到
type FriendshipConsumer struct {
	group   sarama.ConsumerGroup
	handler *groupHandler
	topics  []string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFriendshipConsumer(cfg ConsumerConfig, events EventHandler) (*FriendshipConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	var producer sarama.SyncProducer
	if cfg.DeadLetterTopic != "" {
		pc := sarama.NewConfig()
		pc.Producer.Return.Successes = true
		pc.Producer.RequiredAcks = sarama.WaitForAll
		pc.Producer.Retry.Max = 3
		producer, err = sarama.NewSyncProducer(cfg.Brokers, pc)
		if err != nil {
			_ = group.Close()
			return nil, fmt.Errorf("create dead letter producer: %w", err)
		}
	}

	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{TopicFriendshipEvents, TopicRelationEvents}
	}
	return &FriendshipConsumer{
		group:   group,
		handler: newGroupHandler(events, producer, cfg.DeadLetterTopic),
		topics:  topics,
		done:    make(chan struct{}),
	}, nil
}

// Start 后台消费，rebalance 后自动重新加入
func (c *FriendshipConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		for err := range c.group.Errors() {
			zap.L().Warn("kafka consumer error", zap.Error(err))
		}
	}()

	go func() {
		defer close(c.done)
		for {
			if err := c.group.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				zap.L().Error("kafka consume failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	zap.L().Info("kafka consumer started", zap.Strings("topics", c.topics))
}

func (c *FriendshipConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	err := c.group.Close()
	if c.handler.producer != nil {
		if perr := c.handler.producer.Close(); err == nil {
			err = perr
		}
	}
	return err
}

type groupHandler struct {
	events          EventHandler
	producer        sarama.SyncProducer
	deadLetterTopic string
}

func newGroupHandler(events EventHandler, producer sarama.SyncProducer, deadLetterTopic string) *groupHandler {
	return &groupHandler{events: events, producer: producer, deadLetterTopic: deadLetterTopic}
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage 坏消息不阻塞分区，转入死信后继续
func (h *groupHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	log := zap.L().With(zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	var ev entity.FriendshipEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Warn("unmarshal friendship event failed", zap.Error(err))
		h.deadLetter(msg, err)
		return
	}
	if err := h.events.Handle(ctx, ev); err != nil {
		log.Warn("handle friendship event failed", zap.String("type", string(ev.Type)), zap.Error(err))
		h.deadLetter(msg, err)
	}
}

func (h *groupHandler) deadLetter(msg *sarama.ConsumerMessage, cause error) {
	if h.producer == nil {
		return
	}
	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		payload, _ = json.Marshal(string(msg.Value))
	}
	data, err := json.Marshal(DeadLetterMessage{
		OriginalTopic: msg.Topic,
		OriginalKey:   string(msg.Key),
		Payload:       payload,
		ErrorMsg:      cause.Error(),
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		return
	}
	_, _, err = h.producer.SendMessage(&sarama.ProducerMessage{
		Topic: h.deadLetterTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		zap.L().Error("send dead letter failed", zap.String("topic", msg.Topic), zap.Error(err))
	}
}
