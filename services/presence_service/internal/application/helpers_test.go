package application

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	redisRepo "github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/redis"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

type sent struct {
	userID string
	connID string // 为空表示发给用户所有连接
	env    entity.Envelope
}

// fakeLocal 记录本实例的投递
type fakeLocal struct {
	mu    sync.Mutex
	users map[string]bool
	sent  []sent
}

func newFakeLocal(users ...string) *fakeLocal {
	l := &fakeLocal{users: map[string]bool{}}
	for _, u := range users {
		l.users[u] = true
	}
	return l
}

func (l *fakeLocal) SendToUser(userID string, env entity.Envelope) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.users[userID] {
		return 0
	}
	l.sent = append(l.sent, sent{userID: userID, env: env})
	return 1
}

func (l *fakeLocal) SendToConnection(userID, connID string, env entity.Envelope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.users[userID] {
		return false
	}
	l.sent = append(l.sent, sent{userID: userID, connID: connID, env: env})
	return true
}

func (l *fakeLocal) HasLocal(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[userID]
}

func (l *fakeLocal) received(userID string, code entity.EventCode) []entity.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []entity.Envelope
	for _, s := range l.sent {
		if s.userID == userID && s.env.Code == code {
			res = append(res, s.env)
		}
	}
	return res
}

func (l *fakeLocal) codes() []entity.EventCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]entity.EventCode, len(l.sent))
	for i, s := range l.sent {
		res[i] = s.env.Code
	}
	return res
}

type recordingBus struct {
	mu        sync.Mutex
	published []string
}

func (b *recordingBus) Publish(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, userID)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, _ out.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type recordingDeliveryBus struct {
	mu  sync.Mutex
	got []entity.Delivery
}

func (b *recordingDeliveryBus) Publish(_ context.Context, d entity.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, d)
	return nil
}

func (b *recordingDeliveryBus) Subscribe(ctx context.Context, _ out.MessageHandler) error {
	<-ctx.Done()
	return nil
}

type fakeFriendships struct {
	friends map[string][]string
	calls   int
}

func (f *fakeFriendships) ListFriendIDs(_ context.Context, userID string) ([]string, error) {
	f.calls++
	return f.friends[userID], nil
}

type fakeRecords struct {
	recs map[string]*entity.PresenceRecord
}

func newFakeRecords() *fakeRecords { return &fakeRecords{recs: map[string]*entity.PresenceRecord{}} }

func (f *fakeRecords) UpsertStatus(_ context.Context, userID string, s entity.UserStatus) error {
	r := f.get(userID)
	r.Status = s
	return nil
}

func (f *fakeRecords) SetCustomStatus(_ context.Context, userID, text string) error {
	f.get(userID).CustomStatus = text
	return nil
}

func (f *fakeRecords) Get(_ context.Context, userID string) (*entity.PresenceRecord, error) {
	return f.recs[userID], nil
}

func (f *fakeRecords) get(userID string) *entity.PresenceRecord {
	if r, ok := f.recs[userID]; ok {
		return r
	}
	r := &entity.PresenceRecord{UserID: userID}
	f.recs[userID] = r
	return r
}

// stack 一个实例在 miniredis 上的完整装配
type stack struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	local    *fakeLocal
	bus      *redisRepo.PresenceBusRedis
	sockets  *redisRepo.SocketRepositoryRedis
	display  *redisRepo.DisplayStatusRepositoryRedis
	cache    *redisRepo.FriendCacheRedis
	tracker  *ConnectionTracker
	resolver *PresenceResolver
	friends  *FriendService
	notifier *NotificationRouter
	status   *StatusService
	relay    *PresenceRelay
	session  *SessionService
}

func newStack(t *testing.T, mr *miniredis.Miniredis, instanceID string, localUsers ...string) *stack {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := &stack{mr: mr, client: client, local: newFakeLocal(localUsers...)}
	s.bus = redisRepo.NewPresenceBusRedis(client, "")
	s.sockets = redisRepo.NewSocketRepositoryRedis(client, redisRepo.Options{})
	s.display = redisRepo.NewDisplayStatusRepositoryRedis(client, redisRepo.Options{})
	s.cache = redisRepo.NewFriendCacheRedis(client, redisRepo.Options{})

	s.tracker = NewConnectionTracker(s.sockets, s.bus)
	s.resolver = NewPresenceResolver(redisRepo.NewPresenceStateReaderRedis(client))
	s.friends = NewFriendService(s.cache, nil)
	s.notifier = NewNotificationRouter(s.local, redisRepo.NewDeliveryBusRedis(client, ""), instanceID)
	s.status = NewStatusService(s.display, nil, s.resolver, s.tracker, s.friends, s.notifier)
	s.relay = NewPresenceRelay(s.bus, s.resolver, s.cache, s.friends, s.local)
	s.session = NewSessionService(s.tracker, s.status, s.relay, s.local)
	return s
}

func socket(uid, cid string) entity.SocketMetadata {
	return entity.SocketMetadata{UserID: uid, ConnectionID: cid, Device: "web", InstanceID: "test"}
}
