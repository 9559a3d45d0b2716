package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/api/middleware"
	"github.com/EthanQC/im-presence/services/presence_service/internal/application"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/in"
)

const (
	maxBatchUsers   = 200
	maxCustomStatus = 128
	healthTimeout   = 2 * time.Second
	defaultWSDevice = "web"
)

// ConnectionHandler WebSocket 升级，由 ws.Server 实现
type ConnectionHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, identity entity.Identity, device string)
	Stats() map[string]int64
}

// HealthChecker 探测下游存储
type HealthChecker func(ctx context.Context) error

type Handler struct {
	ws       ConnectionHandler
	presence in.PresenceQuery
	status   in.StatusUseCase
	notifier in.Notifier
	health   HealthChecker
}

func NewHandler(ws ConnectionHandler, presence in.PresenceQuery, status in.StatusUseCase, notifier in.Notifier, health HealthChecker) *Handler {
	return &Handler{ws: ws, presence: presence, status: status, notifier: notifier, health: health}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// Connect 认证通过后升级为长连接
func (h *Handler) Connect(c *gin.Context) {
	id, exists := middleware.IdentityFrom(c)
	if !exists {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	device := c.DefaultQuery("device", defaultWSDevice)
	h.ws.HandleConnection(c.Writer, c.Request, id, device)
}

// presenceView 对外只暴露最终状态；isOnline 和 displayStatus 只返回给本人
type presenceView struct {
	UserID        string            `json:"userId"`
	Status        entity.UserStatus `json:"status"`
	LastSeen      *time.Time        `json:"lastSeen"`
	CustomStatus  string            `json:"customStatus,omitempty"`
	IsOnline      *bool             `json:"isOnline,omitempty"`
	DisplayStatus entity.UserStatus `json:"displayStatus,omitempty"`
}

func viewFor(viewerID string, p entity.ResolvedPresence, custom string) presenceView {
	v := presenceView{UserID: p.UserID, Status: p.ActualStatus, LastSeen: p.LastSeen, CustomStatus: custom}
	if viewerID == p.UserID {
		online := p.IsOnline
		v.IsOnline = &online
		v.DisplayStatus = p.DisplayStatus
		return v
	}
	// 隐身和离线对他人不可区分
	if p.ActualStatus == entity.StatusInvisible {
		v.LastSeen = nil
	}
	return v
}

func (h *Handler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	p, custom := h.status.GetProfile(c.Request.Context(), userID)
	ok(c, viewFor(c.GetString(middleware.ContextUserID), p, custom))
}

type batchRequest struct {
	UserIDs []string `json:"userIds" binding:"required"`
}

func (h *Handler) BatchPresence(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.UserIDs) > maxBatchUsers {
		fail(c, http.StatusBadRequest, "too many userIds")
		return
	}
	viewer := c.GetString(middleware.ContextUserID)
	resolved := h.presence.GetBatchPresence(c.Request.Context(), req.UserIDs)
	views := make([]presenceView, len(resolved))
	for i, p := range resolved {
		views[i] = viewFor(viewer, p, "")
	}
	ok(c, views)
}

func (h *Handler) GetMyStatus(c *gin.Context) {
	ok(c, h.status.GetStatus(c.Request.Context(), c.GetString(middleware.ContextUserID)))
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) UpdateMyStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	status, err := entity.ParseUserStatus(req.Status)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := middleware.IdentityFrom(c)
	if err := h.status.UpdatePresenceStatus(c.Request.Context(), id.ID, id.Username, status, true); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ok(c, h.status.GetStatus(c.Request.Context(), id.ID))
}

type customStatusRequest struct {
	Text string `json:"text"`
}

func (h *Handler) UpdateCustomStatus(c *gin.Context) {
	var req customStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if len([]rune(req.Text)) > maxCustomStatus {
		fail(c, http.StatusBadRequest, "custom status too long")
		return
	}
	err := h.status.SetCustomStatus(c.Request.Context(), c.GetString(middleware.ContextUserID), req.Text)
	switch {
	case errors.Is(err, application.ErrNoDurableStore):
		fail(c, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		zlog.C(c.Request.Context()).Error("set custom status failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal error")
	default:
		ok(c, gin.H{"customStatus": req.Text})
	}
}

// notifyRequest 内部服务投递通知；userIds 非空时直接发送，忽略 target 和两个参与方
type notifyRequest struct {
	Event        entity.EventCode `json:"event" binding:"required"`
	SourceUserID string           `json:"sourceUserId"`
	TargetUserID string           `json:"targetUserId"`
	Target       entity.Target    `json:"target"`
	UserIDs      []string         `json:"userIds"`
	Data         json.RawMessage  `json:"data"`
	Message      string           `json:"message"`
}

func (h *Handler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	data, err := entity.DecodeNotificationData(req.Event, req.Data)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	if len(req.UserIDs) > 0 {
		err = h.notifier.Broadcast(ctx, req.UserIDs, req.Event, data, req.Message)
	} else {
		err = h.notifier.Notify(ctx, in.NotifyRequest{
			Event:        req.Event,
			SourceUserID: req.SourceUserID,
			TargetUserID: req.TargetUserID,
			Target:       req.Target,
			Data:         data,
			Message:      req.Message,
		})
	}
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": 0, "message": "accepted"})
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ws.Stats())
}
