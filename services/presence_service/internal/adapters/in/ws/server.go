package ws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
)

// Server 升级连接并把生命周期交给 SessionUseCase
type Server struct {
	manager    *ConnectionManager
	session    in.SessionUseCase
	tracker    in.ConnectionUseCase
	status     in.StatusUseCase
	instanceID string
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup // 每个连接的断开流程结束才 Done
}

func NewServer(
	manager *ConnectionManager,
	session in.SessionUseCase,
	tracker in.ConnectionUseCase,
	status in.StatusUseCase,
	instanceID string,
) *Server {
	return &Server{
		manager:    manager,
		session:    session,
		tracker:    tracker,
		status:     status,
		instanceID: instanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域由网关校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection identity 已经由上层校验
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, identity entity.Identity, device string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	now := time.Now()
	meta := entity.SocketMetadata{
		UserID:       identity.ID,
		ConnectionID: uuid.NewString(),
		Device:       device,
		IP:           clientIP(r),
		InstanceID:   s.instanceID,
		ConnectedAt:  now,
		LastPing:     now,
	}

	c := newConnection(conn, meta, identity, s)
	s.manager.Register(c)
	go c.writePump()

	s.session.OnConnect(c.ctx, meta)
	go c.readPump()
}

// Shutdown 拒绝新连接，关闭现有连接并等所有下线流程跑完
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.manager.CloseAll()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Stats() map[string]int64 {
	return s.manager.Stats()
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
