package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// NotificationRouter 按 targeting 找收件人，本地连接直接发，其他实例经 DeliveryBus 转发
// 收件人没有连接时静默丢弃，不做离线存储
type NotificationRouter struct {
	local      out.LocalDelivery
	bus        out.DeliveryBus // 单实例部署可为空
	instanceID string
	now        func() time.Time
}

func NewNotificationRouter(local out.LocalDelivery, bus out.DeliveryBus, instanceID string) *NotificationRouter {
	return &NotificationRouter{local: local, bus: bus, instanceID: instanceID, now: time.Now}
}

var _ in.Notifier = (*NotificationRouter)(nil)

// Notify 只有载荷和事件码不匹配或 targeting 非法时返回错误
func (n *NotificationRouter) Notify(ctx context.Context, req in.NotifyRequest) error {
	recipients, err := req.Target.Recipients(req.SourceUserID, req.TargetUserID)
	if err != nil {
		return err
	}
	env, err := entity.NewEnvelope(req.Event, req.Data, req.Message, n.now())
	if err != nil {
		return err
	}
	n.dispatch(ctx, recipients, env)
	return nil
}

func (n *NotificationRouter) NotifySource(ctx context.Context, event entity.EventCode, source, target string, data entity.NotificationData, message string) error {
	return n.Notify(ctx, in.NotifyRequest{Event: event, SourceUserID: source, TargetUserID: target, Target: entity.TargetSource, Data: data, Message: message})
}

func (n *NotificationRouter) NotifyTarget(ctx context.Context, event entity.EventCode, source, target string, data entity.NotificationData, message string) error {
	return n.Notify(ctx, in.NotifyRequest{Event: event, SourceUserID: source, TargetUserID: target, Target: entity.TargetTarget, Data: data, Message: message})
}

func (n *NotificationRouter) NotifyBoth(ctx context.Context, event entity.EventCode, source, target string, data entity.NotificationData, message string) error {
	return n.Notify(ctx, in.NotifyRequest{Event: event, SourceUserID: source, TargetUserID: target, Target: entity.TargetBoth, Data: data, Message: message})
}

func (n *NotificationRouter) SendToUser(ctx context.Context, userID string, event entity.EventCode, data entity.NotificationData) error {
	env, err := entity.NewEnvelope(event, data, "", n.now())
	if err != nil {
		return err
	}
	n.dispatch(ctx, []string{userID}, env)
	return nil
}

// SendToUsers 同一个信封发给多个用户，只转发一次
func (n *NotificationRouter) SendToUsers(ctx context.Context, userIDs []string, event entity.EventCode, data entity.NotificationData) error {
	return n.Broadcast(ctx, userIDs, event, data, "")
}

// Broadcast 同 SendToUsers，message 为空时取默认文案
func (n *NotificationRouter) Broadcast(ctx context.Context, userIDs []string, event entity.EventCode, data entity.NotificationData, message string) error {
	env, err := entity.NewEnvelope(event, data, message, n.now())
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	n.dispatch(ctx, userIDs, env)
	return nil
}

func (n *NotificationRouter) dispatch(ctx context.Context, userIDs []string, env entity.Envelope) {
	n.deliverLocal(userIDs, env)

	if n.bus == nil {
		return
	}
	d := entity.Delivery{Origin: n.instanceID, UserIDs: userIDs, Envelope: env}
	if err := n.bus.Publish(ctx, d); err != nil {
		storeErrors.WithLabelValues("publish_delivery").Inc()
		zlog.C(ctx).Warn("forward notification failed", zap.String("code", string(env.Code)), zap.Error(err))
	}
}

func (n *NotificationRouter) deliverLocal(userIDs []string, env entity.Envelope) {
	for _, uid := range userIDs {
		if sent := n.local.SendToUser(uid, env); sent > 0 {
			notificationsSent.WithLabelValues(string(env.Code)).Add(float64(sent))
		}
	}
}

// Run 接收其他实例转发的通知，发给本实例的连接
func (n *NotificationRouter) Run(ctx context.Context) error {
	if n.bus == nil {
		<-ctx.Done()
		return nil
	}
	return n.bus.Subscribe(ctx, n.HandleDelivery)
}

// HandleDelivery 解析失败记录后丢弃
func (n *NotificationRouter) HandleDelivery(ctx context.Context, payload []byte) {
	d, err := entity.DecodeDelivery(payload)
	if err != nil {
		relayMessages.WithLabelValues("delivery", "malformed").Inc()
		zlog.C(ctx).Warn("drop malformed delivery", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	if d.Origin == n.instanceID {
		relayMessages.WithLabelValues("delivery", "self").Inc()
		return
	}
	relayMessages.WithLabelValues("delivery", "ok").Inc()
	n.deliverLocal(d.UserIDs, d.Envelope)
}
