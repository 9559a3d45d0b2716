package application

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

func TestInitialSyncResolvesFriends(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr, "i1", "me")
	ctx := context.Background()

	// f1 在线且 DND，f2 在线但隐身，f3 离线但留着 DND，f4 在存储里没有任何记录
	for _, f := range []string{"f1", "f2", "f3", "f4"} {
		require.NoError(t, s.cache.AddFriend(ctx, "me", f))
	}
	s.tracker.MarkOnline(ctx, socket("f1", "c1"))
	s.tracker.MarkOnline(ctx, socket("f2", "c2"))
	require.NoError(t, s.display.Set(ctx, "f1", entity.StatusDND))
	require.NoError(t, s.display.Set(ctx, "f2", entity.StatusInvisible))
	require.NoError(t, s.display.Set(ctx, "f3", entity.StatusDND))

	s.relay.InitialSync(ctx, "me", "conn-1")

	got := s.local.received("me", entity.EventInitialPresenceSync)
	require.Len(t, got, 1)
	payload, ok := got[0].Data.(entity.InitialPresenceSync)
	require.True(t, ok)

	byID := map[string]entity.PresenceSnapshot{}
	for _, f := range payload.Friends {
		byID[f.UserID] = f
	}
	require.Len(t, byID, 4)
	assert.Equal(t, entity.StatusDND, byID["f1"].Status)
	assert.Nil(t, byID["f1"].LastSeen)
	assert.Equal(t, entity.StatusInvisible, byID["f2"].Status)
	assert.Equal(t, entity.StatusInvisible, byID["f3"].Status)
	assert.Equal(t, entity.PresenceSnapshot{UserID: "f4", Status: entity.StatusInvisible}, byID["f4"])
}

func TestInitialSyncFriendWithoutRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr, "i1", "me")
	ctx := context.Background()

	require.NoError(t, s.cache.AddFriend(ctx, "me", "f1"))
	require.NoError(t, s.cache.AddFriend(ctx, "me", "f2"))
	s.tracker.MarkOnline(ctx, socket("f1", "c1"))
	require.NoError(t, s.display.Set(ctx, "f1", entity.StatusDND))
	for _, key := range []string{"presence:online:f2", "presence:sockets:f2", "display:status:f2", "presence:lastseen:f2"} {
		assert.False(t, mr.Exists(key))
	}

	s.relay.InitialSync(ctx, "me", "conn-1")

	got := s.local.received("me", entity.EventInitialPresenceSync)
	require.Len(t, got, 1)
	payload := got[0].Data.(entity.InitialPresenceSync)
	require.Len(t, payload.Friends, 2)

	byID := map[string]entity.PresenceSnapshot{}
	for _, f := range payload.Friends {
		byID[f.UserID] = f
	}
	assert.Equal(t, entity.StatusDND, byID["f1"].Status)
	assert.Equal(t, entity.StatusInvisible, byID["f2"].Status)
	assert.Nil(t, byID["f2"].LastSeen)
}

func TestRelayDeliversOnlyToLocalWatchers(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr, "i1", "watcher")
	ctx := context.Background()

	require.NoError(t, s.cache.AddFriend(ctx, "u1", "watcher"))
	require.NoError(t, s.cache.AddFriend(ctx, "u1", "remote"))
	s.tracker.MarkOnline(ctx, socket("u1", "c1"))

	s.relay.HandleMessage(ctx, []byte(`{"userId":"u1"}`))

	got := s.local.received("watcher", entity.EventPresenceUpdate)
	require.Len(t, got, 1)
	snap := got[0].Data.(entity.PresenceSnapshot)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, entity.StatusOnline, snap.Status)
	assert.Empty(t, s.local.received("remote", entity.EventPresenceUpdate))

	// 格式错误的消息被丢弃
	s.relay.HandleMessage(ctx, []byte(`{"user":"u1"}`))
	s.relay.HandleMessage(ctx, []byte(`nope`))
	assert.Len(t, s.local.codes(), 1)
}

func snapshotsOf(l *fakeLocal, watcher, userID string) []entity.PresenceSnapshot {
	var res []entity.PresenceSnapshot
	for _, env := range l.received(watcher, entity.EventPresenceUpdate) {
		if snap := env.Data.(entity.PresenceSnapshot); snap.UserID == userID {
			res = append(res, snap)
		}
	}
	return res
}

func TestCrossInstancePropagation(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newStack(t, mr, "instance-a")
	b := newStack(t, mr, "instance-b", "friend")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.cache.AddFriend(ctx, "u1", "friend"))
	require.NoError(t, a.cache.AddFriend(ctx, "probe", "friend"))
	go func() { _ = b.relay.Run(ctx) }()

	// 等 b 的订阅生效
	require.Eventually(t, func() bool {
		_ = a.bus.Publish(ctx, "probe")
		return len(snapshotsOf(b.local, "friend", "probe")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	a.tracker.MarkOnline(ctx, socket("u1", "c1"))
	require.Eventually(t, func() bool {
		got := snapshotsOf(b.local, "friend", "u1")
		return len(got) == 1 && got[0].Status == entity.StatusOnline
	}, 3*time.Second, 20*time.Millisecond)

	a.tracker.MarkOffline(ctx, "u1", "c1")
	require.Eventually(t, func() bool {
		got := snapshotsOf(b.local, "friend", "u1")
		return len(got) == 2 && got[1].Status == entity.StatusInvisible && got[1].LastSeen != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCrossInstanceNotification(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newStack(t, mr, "instance-a", "src")
	b := newStack(t, mr, "instance-b", "dst")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = a.notifier.Run(ctx) }()
	go func() { _ = b.notifier.Run(ctx) }()

	data := entity.FriendRemoved{FriendshipID: "f1"}
	require.Eventually(t, func() bool {
		_ = a.notifier.NotifyBoth(ctx, entity.EventFriendRemoved, "src", "dst", data, "")
		return len(b.local.received("dst", entity.EventFriendRemoved)) > 0
	}, 3*time.Second, 50*time.Millisecond)

	// 源实例不会从总线上再收一遍
	time.Sleep(100 * time.Millisecond)
	srcGot := len(a.local.received("src", entity.EventFriendRemoved))
	dstGot := len(b.local.received("dst", entity.EventFriendRemoved))
	assert.GreaterOrEqual(t, srcGot, dstGot)
	assert.Empty(t, a.local.received("dst", entity.EventFriendRemoved))
	assert.Empty(t, b.local.received("src", entity.EventFriendRemoved))
}

func TestSessionOnConnectOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStack(t, mr, "i1", "me")
	records := newFakeRecords()
	records.recs["me"] = &entity.PresenceRecord{UserID: "me", Status: entity.StatusIdle}
	s.status = NewStatusService(s.display, records, s.resolver, s.tracker, s.friends, s.notifier)
	s.session = NewSessionService(s.tracker, s.status, s.relay, s.local)
	ctx := context.Background()

	s.session.OnConnect(ctx, socket("me", "c1"))

	assert.Equal(t, []entity.EventCode{entity.EventConnected, entity.EventInitialPresenceSync}, s.local.codes())
	assert.True(t, s.tracker.IsOnline(ctx, "me"))
	// 冷启动恢复持久化的展示状态
	assert.Equal(t, entity.StatusIdle, s.resolver.GetPresenceStatus(ctx, "me").ActualStatus)

	s.session.OnDisconnect(ctx, socket("me", "c1"))
	assert.False(t, s.tracker.IsOnline(ctx, "me"))
}
