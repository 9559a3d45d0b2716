package application

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperviseRestartsFailedSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	run := func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("redis: connection refused")
		}
		<-ctx.Done()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		supervise(ctx, "presence", run, time.Millisecond, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervise did not stop after cancel")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSuperviseRestartsCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	run := func(context.Context) error {
		// 通道被关闭时订阅返回 nil，同样需要重启
		if atomic.AddInt32(&calls, 1) == 2 {
			cancel()
		}
		return nil
	}

	supervise(ctx, "delivery", run, time.Millisecond, time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
