package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/api/middleware"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// RouterDeps 组装路由需要的依赖
type RouterDeps struct {
	Handler        *Handler
	Verifier       out.IdentityVerifier
	Limiter        *middleware.RateLimiter // 可为空
	Gatherer       prometheus.Gatherer
	InternalSecret string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	h := d.Handler
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	r.Any("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	var authed []gin.HandlerFunc
	if d.Limiter != nil {
		authed = append(authed, d.Limiter.IPMiddleware(), middleware.Auth(d.Verifier), d.Limiter.UserMiddleware())
	} else {
		authed = append(authed, middleware.Auth(d.Verifier))
	}

	r.GET("/ws", append(authed, h.Connect)...)

	v1 := r.Group("/api/v1", authed...)
	{
		v1.GET("/presence/:userId", h.GetPresence)
		v1.POST("/presence/batch", h.BatchPresence)
		v1.GET("/users/me/presence-status", h.GetMyStatus)
		v1.PUT("/users/me/presence-status", h.UpdateMyStatus)
		v1.PUT("/users/me/custom-status", h.UpdateCustomStatus)
	}

	internal := r.Group("/internal/v1", middleware.InternalToken(d.InternalSecret))
	internal.POST("/notifications", h.Notify)

	return r
}
