package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// Conn 管理器只依赖这几个方法，测试里用假连接
type Conn interface {
	ID() string
	UserID() string
	Send(message []byte) error
	Close() error
}

// ConnectionManager 本实例持有的连接，userID -> connID -> conn
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]Conn

	totalConns int64
	totalMsgs  int64
	dropped    int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{connections: make(map[string]map[string]Conn)}
}

var _ out.LocalDelivery = (*ConnectionManager)(nil)

func (m *ConnectionManager) Register(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.connections[c.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		m.connections[c.UserID()] = conns
	}
	if _, exists := conns[c.ID()]; !exists {
		atomic.AddInt64(&m.totalConns, 1)
	}
	conns[c.ID()] = c
}

// Unregister 返回是否真的移除了
func (m *ConnectionManager) Unregister(userID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.connections[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	atomic.AddInt64(&m.totalConns, -1)
	if len(conns) == 0 {
		delete(m.connections, userID)
	}
	return true
}

func (m *ConnectionManager) HasLocal(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[userID]) > 0
}

func (m *ConnectionManager) SendToUser(userID string, env entity.Envelope) int {
	frame, ok := encodeEvent(env)
	if !ok {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := 0
	for _, c := range m.connections[userID] {
		if err := c.Send(frame); err != nil {
			atomic.AddInt64(&m.dropped, 1)
			zap.L().Warn("send to connection failed",
				zap.String("user_id", userID),
				zap.String("conn_id", c.ID()),
				zap.Error(err))
			continue
		}
		sent++
	}
	atomic.AddInt64(&m.totalMsgs, int64(sent))
	return sent
}

func (m *ConnectionManager) SendToConnection(userID, connID string, env entity.Envelope) bool {
	frame, ok := encodeEvent(env)
	if !ok {
		return false
	}

	m.mu.RLock()
	c, found := m.connections[userID][connID]
	m.mu.RUnlock()
	if !found {
		return false
	}
	if err := c.Send(frame); err != nil {
		atomic.AddInt64(&m.dropped, 1)
		return false
	}
	atomic.AddInt64(&m.totalMsgs, 1)
	return true
}

// CloseAll 退出时关闭所有连接
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	var all []Conn
	for _, conns := range m.connections {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range all {
		_ = c.Close()
	}
}

func (m *ConnectionManager) Stats() map[string]int64 {
	m.mu.RLock()
	users := int64(len(m.connections))
	m.mu.RUnlock()

	return map[string]int64{
		"total_connections": atomic.LoadInt64(&m.totalConns),
		"total_messages":    atomic.LoadInt64(&m.totalMsgs),
		"dropped_messages":  atomic.LoadInt64(&m.dropped),
		"online_users":      users,
	}
}

func encodeEvent(env entity.Envelope) ([]byte, bool) {
	data, err := json.Marshal(env)
	if err != nil {
		zap.L().Error("encode envelope failed", zap.String("code", string(env.Code)), zap.Error(err))
		return nil, false
	}
	frame, err := json.Marshal(Message{Type: MsgTypeEvent, Data: data, Ts: time.Now().UnixMilli()})
	if err != nil {
		return nil, false
	}
	return frame, true
}
