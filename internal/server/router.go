package server

import (
	"time"

	"github.com/dadaWilliam/chat-app/internal/auth"
	"github.com/dadaWilliam/chat-app/internal/config"
	"github.com/dadaWilliam/chat-app/internal/metrics"
	"github.com/dadaWilliam/chat-app/internal/mw"
	"github.com/dadaWilliam/chat-app/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, authority *auth.Authority, gateway *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率,避免单客户端拖垮公共入口。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/login", h.Login)

	authed := r.Group("")
	authed.Use(authority.Middleware())
	authed.POST("/logout", h.Logout)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms/:id", h.GetRoom)
	authed.GET("/rooms/:id/messages", h.ListMessages)

	r.GET("/ws", gateway.Serve())

	return r
}
