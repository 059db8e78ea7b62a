package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dadaWilliam/chat-app/internal/auth"
	"github.com/dadaWilliam/chat-app/internal/history"
	"github.com/dadaWilliam/chat-app/internal/metrics"
	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/dadaWilliam/chat-app/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// 连接活性参数:每 pingPeriod 探测一次,两个窗口无响应即判定掉线。
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// CloseAuthFailure 是认证失败时发给客户端的关闭码。
const CloseAuthFailure = 4001

// RoomDirectory 校验房间存在性,join 前必须通过。
type RoomDirectory interface {
	Get(ctx context.Context, roomID string) (*models.Room, error)
}

// HistoryReader 在 join 时提供最近历史。
type HistoryReader interface {
	Read(ctx context.Context, roomID string, limit int, before, after int64, source string) (*history.Page, error)
}

// CacheWriter 是发布路径同步写入的热缓存。
type CacheWriter interface {
	Push(ctx context.Context, msg models.Message) error
}

// Gateway 承接客户端连接:认证、活性探测、意图分发与发布路径。
type Gateway struct {
	authority    *auth.Authority
	hub          *Hub
	bus          Bus
	cache        CacheWriter
	composer     HistoryReader
	rooms        RoomDirectory
	historyLimit int
}

func NewGateway(authority *auth.Authority, hub *Hub, b Bus, cache CacheWriter, composer HistoryReader, rooms RoomDirectory, historyLimit int) *Gateway {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Gateway{
		authority:    authority,
		hub:          hub,
		bus:          b,
		cache:        cache,
		composer:     composer,
		rooms:        rooms,
		historyLimit: historyLimit,
	}
}

type Client struct {
	id       string
	gw       *Gateway
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity

	// joined 只在 readPump goroutine 内访问。
	joined map[string]bool

	// sendMu 保护 send 通道的写入与关闭,hub 与 readPump 都会触达。
	sendMu sync.Mutex
	closed bool
}

// trySend 投递一帧原始数据;通道已关闭或已满返回 false。
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 幂等地关闭发送通道。
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 /ws 连接:token 由查询参数携带,认证失败以 4001 关闭。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		identity, err := g.authority.Authenticate(c.Request.Context(), c.Query("token"))
		if err != nil {
			msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		client := &Client{
			id:       uuid.NewString(),
			gw:       g,
			conn:     conn,
			send:     make(chan []byte, 256),
			identity: identity,
			joined:   make(map[string]bool),
		}
		metrics.WsConnections.Inc()
		log.Info().Str("session_id", client.id).Str("user", identity.Username).Msg("session connected")

		client.enqueue(OutboundFrame{
			Type:      FrameSystem,
			Content:   fmt.Sprintf("welcome, %s", identity.Username),
			Timestamp: time.Now().UnixMilli(),
		})

		go client.writePump()
		client.readPump()
	}
}

// readPump 驱动整个会话状态机,连接断开时执行全量离开清理。
func (c *Client) readPump() {
	defer c.disconnect()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueue(errorFrame("", "malformed frame"))
			continue
		}
		switch in.Type {
		case IntentJoin:
			c.handleJoin(in.RoomID)
		case IntentLeave:
			c.handleLeave(in.RoomID)
		case IntentMessage:
			c.handleSend(in.RoomID, in.Content)
		default:
			c.enqueue(errorFrame(in.RoomID, "unknown frame type"))
		}
	}
}

// handleJoin: 房间必须存在且尚未加入;成功后回放历史并广播进房通知。
func (c *Client) handleJoin(roomID string) {
	ctx := context.Background()
	if roomID == "" {
		c.enqueue(errorFrame(roomID, "missing room id"))
		return
	}
	if c.joined[roomID] {
		c.enqueue(errorFrame(roomID, "room already joined"))
		return
	}
	if _, err := c.gw.rooms.Get(ctx, roomID); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.enqueue(errorFrame(roomID, "room not found"))
		} else {
			c.enqueue(errorFrame(roomID, "temporarily unavailable"))
		}
		return
	}
	if err := c.gw.hub.Join(roomID, c); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("session_id", c.id).Msg("join room")
		c.enqueue(errorFrame(roomID, "temporarily unavailable"))
		return
	}
	c.joined[roomID] = true
	c.sendHistory(ctx, roomID)
	c.gw.publishNotice(ctx, roomID, fmt.Sprintf("%s joined the room", c.identity.Username))
}

// sendHistory 按层级分两帧交付:缓存页必发,归档补齐仅在有内容时发。
func (c *Client) sendHistory(ctx context.Context, roomID string) {
	page, err := c.gw.composer.Read(ctx, roomID, c.gw.historyLimit, 0, 0, history.SourceCombined)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("read history on join")
		c.enqueue(errorFrame(roomID, "history unavailable"))
		return
	}
	recent := make([]models.Message, 0, len(page.Messages))
	archived := make([]models.Message, 0)
	for _, m := range page.Messages {
		if m.Source == models.SourceArchive {
			archived = append(archived, m)
		} else {
			recent = append(recent, m)
		}
	}
	c.enqueue(historyFrame(roomID, HistoryRecent, recent))
	if len(archived) > 0 {
		c.enqueue(historyFrame(roomID, HistoryArchive, archived))
	}
}

// handleLeave: 未加入时为 no-op;通知发布失败不回滚本地状态。
func (c *Client) handleLeave(roomID string) {
	if !c.joined[roomID] {
		return
	}
	delete(c.joined, roomID)
	c.gw.hub.Leave(roomID, c.id)
	c.gw.publishNotice(context.Background(), roomID, fmt.Sprintf("%s left the room", c.identity.Username))
}

// handleSend 构造消息并发布到总线,同步写热缓存。
// 发布失败作为瞬态错误回告发送者,会话不受影响。
func (c *Client) handleSend(roomID, content string) {
	if !c.joined[roomID] {
		c.enqueue(errorFrame(roomID, "join the room before sending"))
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		c.enqueue(errorFrame(roomID, "empty message"))
		return
	}
	msg := models.Message{
		ID:         uuid.NewString(),
		Kind:       models.KindMessage,
		RoomID:     roomID,
		Content:    content,
		AuthorID:   c.identity.UserID,
		AuthorName: c.identity.Username,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := c.gw.publish(context.Background(), msg); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("session_id", c.id).Msg("publish message")
		metrics.PublishFailuresTotal.Inc()
		c.enqueue(errorFrame(roomID, "message not delivered, please retry"))
		return
	}
	metrics.WsMessagesTotal.Inc()
}

// disconnect 执行会话销毁:逐个房间离开,单个失败不阻断其余清理。
func (c *Client) disconnect() {
	for roomID := range c.joined {
		c.gw.hub.Leave(roomID, c.id)
		c.gw.publishNotice(context.Background(), roomID, fmt.Sprintf("%s left the room", c.identity.Username))
	}
	c.joined = nil
	c.closeSend()
	_ = c.conn.Close()
	metrics.WsConnections.Dec()
	log.Info().Str("session_id", c.id).Str("user", c.identity.Username).Msg("session closed")
}

// enqueue 把下行帧放入发送队列,队列满视为会话失活,断开写端。
func (c *Client) enqueue(f OutboundFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if !c.trySend(data) {
		c.closeSend()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// publish 发布路径:总线成功后同步写热缓存,缓存失败仅告警。
func (g *Gateway) publish(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := g.bus.Publish(ctx, msg.RoomID, data); err != nil {
		return err
	}
	if err := g.cache.Push(ctx, msg); err != nil {
		log.Warn().Err(err).Str("room_id", msg.RoomID).Msg("hot cache push")
	}
	return nil
}

// publishNotice 广播系统通知;失败记为一致性告警,不打断调用方。
func (g *Gateway) publishNotice(ctx context.Context, roomID, content string) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Kind:      models.KindSystem,
		RoomID:    roomID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := g.publish(ctx, msg); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("publish system notice")
	}
}
