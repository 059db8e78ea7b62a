package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dadaWilliam/chat-app/internal/auth"
	"github.com/dadaWilliam/chat-app/internal/history"
	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/dadaWilliam/chat-app/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler,依赖注入 service 层。
type Handler struct {
	authority *auth.Authority
	roomSvc   *service.RoomService
	composer  *history.Composer
	started   time.Time
}

func NewHandler(authority *auth.Authority, roomSvc *service.RoomService, composer *history.Composer) *Handler {
	return &Handler{authority: authority, roomSvc: roomSvc, composer: composer, started: time.Now()}
}

// Login 校验口令并签发会话 token。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	token, id, err := h.authority.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": id})
}

// Logout 吊销当前请求携带的 token,条目存活至 token 自然过期。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.authority.Revoke(c.Request.Context(), auth.GetToken(c)); err != nil {
		log.Error().Err(err).Msg("revoke token")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateRoom 处理创建房间请求,slug 冲突返回 409。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.Name, auth.GetIdentity(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRoomName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		case errors.Is(err, service.ErrRoomExists):
			c.JSON(http.StatusConflict, gin.H{"error": "room already exists"})
		case service.IsTransient(err):
			log.Error().Err(err).Str("name", req.Name).Msg("create room")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		default:
			log.Error().Err(err).Str("name", req.Name).Msg("create room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		}
		return
	}
	c.JSON(http.StatusCreated, room)
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), 100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 处理获取单个房间请求。
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.roomSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Error().Err(err).Str("room_id", c.Param("id")).Msg("get room")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages 处理历史分页读取,组合热缓存与归档两层。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("id")
	if _, err := h.roomSvc.Get(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	before := parseMillis(c.Query("before"))
	after := parseMillis(c.Query("after"))
	source := c.Query("source")
	switch source {
	case history.SourceCombined, models.SourceCache, models.SourceArchive:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source"})
		return
	}
	page, err := h.composer.Read(c.Request.Context(), roomID, limit, before, after, source)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("read history")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// Health 返回存活状态与运行时长。
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

func parseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
