package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

type fakeConn struct {
	id, uid string
	mu      sync.Mutex
	frames  [][]byte
	fail    bool
	closed  bool
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.uid }

func (f *fakeConn) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrBufferFull
	}
	f.frames = append(f.frames, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func envelope(t *testing.T) entity.Envelope {
	t.Helper()
	env, err := entity.NewEnvelope(entity.EventConnected, entity.Connected{UserID: "u1", ConnectionID: "a"}, "", time.Now())
	require.NoError(t, err)
	return env
}

func TestManagerRouting(t *testing.T) {
	m := NewConnectionManager()
	a := &fakeConn{id: "a", uid: "u1"}
	b := &fakeConn{id: "b", uid: "u1"}
	broken := &fakeConn{id: "c", uid: "u1", fail: true}
	m.Register(a)
	m.Register(b)
	m.Register(broken)

	assert.True(t, m.HasLocal("u1"))
	assert.False(t, m.HasLocal("u2"))

	assert.Equal(t, 2, m.SendToUser("u1", envelope(t)))
	assert.Zero(t, m.SendToUser("u2", envelope(t)))

	assert.True(t, m.SendToConnection("u1", "a", envelope(t)))
	assert.False(t, m.SendToConnection("u1", "zzz", envelope(t)))
	assert.Len(t, a.frames, 2)
	assert.Len(t, b.frames, 1)

	var frame Message
	require.NoError(t, json.Unmarshal(a.frames[0], &frame))
	assert.Equal(t, MsgTypeEvent, frame.Type)
	assert.Contains(t, string(frame.Data), `"code":"CONNECTED"`)

	stats := m.Stats()
	assert.EqualValues(t, 3, stats["total_connections"])
	assert.EqualValues(t, 1, stats["dropped_messages"])
	assert.EqualValues(t, 1, stats["online_users"])

	assert.True(t, m.Unregister("u1", "a"))
	assert.False(t, m.Unregister("u1", "a"))
	m.Unregister("u1", "b")
	m.Unregister("u1", "c")
	assert.False(t, m.HasLocal("u1"))

	m.Register(a)
	m.CloseAll()
	assert.True(t, a.closed)
}

type fakeSession struct {
	manager *ConnectionManager
	delay   time.Duration
	mu      sync.Mutex
	closed  []string
}

func (s *fakeSession) OnConnect(_ context.Context, meta entity.SocketMetadata) {
	env, _ := entity.NewEnvelope(entity.EventConnected, entity.Connected{UserID: meta.UserID, ConnectionID: meta.ConnectionID}, "", time.Now())
	s.manager.SendToConnection(meta.UserID, meta.ConnectionID, env)
}

func (s *fakeSession) OnDisconnect(_ context.Context, meta entity.SocketMetadata) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, meta.ConnectionID)
}

func (s *fakeSession) disconnected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

type fakeTracker struct {
	mu         sync.Mutex
	heartbeats int
}

func (f *fakeTracker) MarkOnline(context.Context, entity.SocketMetadata) {}
func (f *fakeTracker) MarkOffline(context.Context, string, string)       {}
func (f *fakeTracker) IsOnline(context.Context, string) bool             { return true }
func (f *fakeTracker) GetSocketCount(context.Context, string) int64      { return 1 }
func (f *fakeTracker) Heartbeat(context.Context, entity.SocketMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
}

type fakeStatus struct {
	mu     sync.Mutex
	status entity.UserStatus
}

func (f *fakeStatus) UpdatePresenceStatus(_ context.Context, _, _ string, s entity.UserStatus, _ bool) error {
	if s == entity.StatusInvisible {
		return errors.New("not today")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	return nil
}
func (f *fakeStatus) SetCustomStatus(context.Context, string, string) error { return nil }
func (f *fakeStatus) GetStatus(context.Context, string) entity.StatusCurrent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entity.StatusCurrent{ConnectionStatus: entity.StatusOnline, DisplayStatus: f.status, ActualStatus: f.status}
}
func (f *fakeStatus) GetProfile(context.Context, string) (entity.ResolvedPresence, string) {
	return entity.ResolvedPresence{}, ""
}
func (f *fakeStatus) RestoreDisplayStatus(context.Context, string) {}

func dial(t *testing.T) (*websocket.Conn, *fakeSession, *fakeTracker, *ConnectionManager) {
	t.Helper()
	manager := NewConnectionManager()
	session := &fakeSession{manager: manager}
	tracker := &fakeTracker{}
	srv := NewServer(manager, session, tracker, &fakeStatus{status: entity.StatusOnline}, "i1")
	return dialServer(t, srv), session, tracker, manager
}

func dialServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.HandleConnection(w, r, entity.Identity{ID: "u1", Username: "alice"}, "web")
	}))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readEvent(t *testing.T, conn *websocket.Conn) entity.EventCode {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, MsgTypeEvent, msg.Type)
	var env struct {
		Code entity.EventCode `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	return env.Code
}

func TestServerLifecycle(t *testing.T) {
	conn, session, tracker, manager := dial(t)

	assert.Equal(t, entity.EventConnected, readEvent(t, conn))
	assert.True(t, manager.HasLocal("u1"))

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypePing, ID: "1"}))
	pong := read(t, conn)
	assert.Equal(t, MsgTypePong, pong.Type)
	assert.Equal(t, "1", pong.ID)
	tracker.mu.Lock()
	assert.Equal(t, 1, tracker.heartbeats)
	tracker.mu.Unlock()

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeStatusUpdate, ID: "2", Data: json.RawMessage(`{"status":"dnd"}`)}))
	ack := read(t, conn)
	assert.Equal(t, MsgTypeAck, ack.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeStatusGet, ID: "3"}))
	assert.Equal(t, entity.EventStatusCurrent, readEvent(t, conn))

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeStatusUpdate, ID: "4", Data: json.RawMessage(`{"status":"AWAY"}`)}))
	assert.Equal(t, MsgTypeError, read(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, MsgTypeError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
	assert.Equal(t, MsgTypeError, read(t, conn).Type)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	require.Eventually(t, func() bool { return session.disconnected() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, manager.HasLocal("u1"))
}

func TestServerShutdownWaitsForDisconnect(t *testing.T) {
	manager := NewConnectionManager()
	session := &fakeSession{manager: manager, delay: 200 * time.Millisecond}
	srv := NewServer(manager, session, &fakeTracker{}, &fakeStatus{status: entity.StatusOnline}, "i1")

	a := dialServer(t, srv)
	b := dialServer(t, srv)
	assert.Equal(t, entity.EventConnected, readEvent(t, a))
	assert.Equal(t, entity.EventConnected, readEvent(t, b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	// 返回时两个连接的下线流程都已完成
	assert.Equal(t, 2, session.disconnected())
	assert.False(t, manager.HasLocal("u1"))

	// 关闭后新连接直接断开
	c := dialServer(t, srv)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 2, session.disconnected())
}

func TestServerShutdownHonoursDeadline(t *testing.T) {
	manager := NewConnectionManager()
	session := &fakeSession{manager: manager, delay: time.Second}
	srv := NewServer(manager, session, &fakeTracker{}, &fakeStatus{status: entity.StatusOnline}, "i1")

	conn := dialServer(t, srv)
	assert.Equal(t, entity.EventConnected, readEvent(t, conn))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
}
