package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second // 必须小于 pongWait，也小于连接登记的 TTL
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Connection 一个 WebSocket 连接，读写各一个协程
type Connection struct {
	conn     *websocket.Conn
	meta     entity.SocketMetadata
	identity entity.Identity
	send     chan []byte
	done     chan struct{}
	closed   int32

	ctx    context.Context
	cancel context.CancelFunc
	server *Server
}

func newConnection(conn *websocket.Conn, meta entity.SocketMetadata, identity entity.Identity, s *Server) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = zlog.WithContext(ctx, zap.L().With(
		zap.String("user_id", meta.UserID),
		zap.String("conn_id", meta.ConnectionID),
	))
	return &Connection{
		conn:     conn,
		meta:     meta,
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		server:   s,
	}
}

func (c *Connection) ID() string     { return c.meta.ConnectionID }
func (c *Connection) UserID() string { return c.meta.UserID }

// Send 不阻塞，缓冲满了直接丢
func (c *Connection) Send(message []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- message:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	c.cancel()
	return c.conn.Close()
}

// readPump 退出即视为断开
func (c *Connection) readPump() {
	defer c.server.sessions.Done()
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.tracker.Heartbeat(c.ctx, c.heartbeatMeta())
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zlog.C(c.ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zlog.C(c.ctx).Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) cleanup() {
	_ = c.Close()
	if c.server.manager.Unregister(c.meta.UserID, c.meta.ConnectionID) {
		// ctx 已取消，断开流程用新的 ctx
		ctx, cancel := context.WithTimeout(zlog.WithContext(context.Background(), zlog.C(c.ctx)), writeWait)
		defer cancel()
		c.server.session.OnDisconnect(ctx, c.meta)
	}
}

func (c *Connection) heartbeatMeta() entity.SocketMetadata {
	m := c.meta
	m.LastPing = time.Now()
	return m
}

func (c *Connection) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch msg.Type {
	case MsgTypePing:
		c.server.tracker.Heartbeat(c.ctx, c.heartbeatMeta())
		c.sendJSON(Message{Type: MsgTypePong, ID: msg.ID, Ts: time.Now().UnixMilli()})

	case MsgTypeStatusUpdate:
		var d statusUpdateData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.sendError(msg.ID, "invalid status data")
			return
		}
		status, err := entity.ParseUserStatus(d.Status)
		if err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		if err := c.server.status.UpdatePresenceStatus(c.ctx, c.identity.ID, c.identity.Username, status, true); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		c.sendJSON(Message{Type: MsgTypeAck, ID: msg.ID, Ts: time.Now().UnixMilli()})

	case MsgTypeStatusGet:
		cur := c.server.status.GetStatus(c.ctx, c.identity.ID)
		env, err := entity.NewEnvelope(entity.EventStatusCurrent, cur, "", time.Now())
		if err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		c.server.manager.SendToConnection(c.meta.UserID, c.meta.ConnectionID, env)

	default:
		c.sendError(msg.ID, "unknown message type")
	}
}

func (c *Connection) sendJSON(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Connection) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(Message{Type: MsgTypeError, ID: msgID, Data: errData, Ts: time.Now().UnixMilli()})
}
