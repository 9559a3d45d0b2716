package application

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisRepo "github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/redis"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

func newTracker(t *testing.T) (*miniredis.Miniredis, *ConnectionTracker, *recordingBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := &recordingBus{}
	return mr, NewConnectionTracker(redisRepo.NewSocketRepositoryRedis(client, redisRepo.Options{}), bus), bus
}

func TestTrackerPublishesOnlyOnFlips(t *testing.T) {
	_, tracker, bus := newTracker(t)
	ctx := context.Background()

	tracker.MarkOnline(ctx, socket("u1", "a"))
	tracker.MarkOnline(ctx, socket("u1", "b"))
	assert.Equal(t, 1, bus.count())
	assert.True(t, tracker.IsOnline(ctx, "u1"))
	assert.EqualValues(t, 2, tracker.GetSocketCount(ctx, "u1"))

	tracker.MarkOffline(ctx, "u1", "a")
	assert.Equal(t, 1, bus.count())
	assert.True(t, tracker.IsOnline(ctx, "u1"))

	tracker.MarkOffline(ctx, "u1", "b")
	assert.Equal(t, 2, bus.count())
	assert.False(t, tracker.IsOnline(ctx, "u1"))

	// 重复断开不再发布
	tracker.MarkOffline(ctx, "u1", "b")
	assert.Equal(t, 2, bus.count())
}

func TestTrackerConcurrentConnectsPublishOnce(t *testing.T) {
	_, tracker, bus := newTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, cid := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(cid string) {
			defer wg.Done()
			tracker.MarkOnline(ctx, socket("u1", cid))
		}(cid)
	}
	wg.Wait()
	assert.Equal(t, 1, bus.count())
}

func TestTrackerHeartbeatReRegistersExpiredSocket(t *testing.T) {
	mr, tracker, bus := newTracker(t)
	ctx := context.Background()

	tracker.MarkOnline(ctx, socket("u1", "a"))
	require.Equal(t, 1, bus.count())

	// 登记整体过期，心跳重新登记并再次上线
	mr.FastForward(2 * redisRepo.DefaultOptions().SocketTTL)
	require.False(t, tracker.IsOnline(ctx, "u1"))

	tracker.Heartbeat(ctx, socket("u1", "a"))
	assert.True(t, tracker.IsOnline(ctx, "u1"))
	assert.Equal(t, 2, bus.count())

	// 正常续期不发布
	tracker.Heartbeat(ctx, socket("u1", "a"))
	assert.Equal(t, 2, bus.count())
}

func TestTrackerDegradesWhenStoreDown(t *testing.T) {
	mr, tracker, bus := newTracker(t)
	ctx := context.Background()
	mr.Close()

	assert.NotPanics(t, func() {
		tracker.MarkOnline(ctx, socket("u1", "a"))
		tracker.Heartbeat(ctx, socket("u1", "a"))
		tracker.MarkOffline(ctx, "u1", "a")
	})
	assert.False(t, tracker.IsOnline(ctx, "u1"))
	assert.Zero(t, tracker.GetSocketCount(ctx, "u1"))
	assert.Zero(t, bus.count())
}

func TestResolverDegradesToInvisible(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr, "i1")
	ctx := context.Background()

	s.tracker.MarkOnline(ctx, socket("u1", "a"))
	require.NoError(t, s.display.Set(ctx, "u1", entity.StatusIdle))
	assert.Equal(t, entity.StatusIdle, s.resolver.GetPresenceStatus(ctx, "u1").ActualStatus)

	mr.Close()
	p := s.resolver.GetPresenceStatus(ctx, "u1")
	assert.False(t, p.IsOnline)
	assert.Equal(t, entity.StatusInvisible, p.ActualStatus)

	batch := s.resolver.GetBatchPresence(ctx, []string{"u1", "u2"})
	require.Len(t, batch, 2)
	assert.Equal(t, "u2", batch[1].UserID)
	assert.Equal(t, entity.StatusInvisible, batch[0].ActualStatus)
}
