package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
)

const (
	RetryBaseInterval = time.Second
	RetryMaxInterval  = 30 * time.Second
)

// Supervise 订阅循环退出后按指数退避重启，直到 ctx 结束
func Supervise(ctx context.Context, name string, run func(context.Context) error) {
	supervise(ctx, name, run, RetryBaseInterval, RetryMaxInterval)
}

func supervise(ctx context.Context, name string, run func(context.Context) error, base, max time.Duration) {
	log := zlog.C(ctx).With(zap.String("loop", name))
	backoff := base
	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		// 跑了足够久说明不是连续失败，退避从头算
		if time.Since(started) > max {
			backoff = base
		}
		subscribeRestarts.WithLabelValues(name).Inc()
		log.Warn("subscription loop exited, restarting", zap.Error(err), zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
