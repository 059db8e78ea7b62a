package ws

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dadaWilliam/chat-app/internal/metrics"
	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/rs/zerolog/log"
)

// Bus 是 Room Hub 对事件总线的最小依赖。
type Bus interface {
	Publish(ctx context.Context, roomID string, value []byte) error
	Subscribe(roomID string, handler func(value []byte)) (io.Closer, error)
}

// Hub 管理房间级别的子 Hub,实现延迟创建与并发安全。
type Hub struct {
	bus   Bus
	mu    sync.RWMutex
	rooms map[string]*RoomHub
}

func NewHub(b Bus) *Hub {
	return &Hub{bus: b, rooms: make(map[string]*RoomHub)}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID, h.bus)
	h.rooms[roomID] = room
	go room.run()
	return room
}

// Join 把会话注册进房间,必要时建立共享总线订阅。
func (h *Hub) Join(roomID string, c *Client) error {
	return h.GetRoom(roomID).join(c)
}

// Leave 把会话从房间移除;最后一个订阅者离开时拆除总线订阅。
func (h *Hub) Leave(roomID, sessionID string) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	room.leave(sessionID)
}

// Online 返回房间在线会话数,供 REST 接口复用。
func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

type joinReq struct {
	c     *Client
	reply chan error
}

// busFrame 携带订阅代号,用于丢弃被拆除订阅的迟到消息。
type busFrame struct {
	gen   uint64
	value []byte
}

// RoomHub 是单个房间的 actor:订阅者集合与共享总线订阅都只由
// run goroutine 操作,订阅的建立与拆除因此天然按房间串行。
type RoomHub struct {
	roomID string
	bus    Bus

	register   chan joinReq
	unregister chan string
	broadcast  chan busFrame

	// 以下仅 run goroutine 访问。
	clients map[string]*Client
	sub     io.Closer
	gen     uint64

	online int32
}

func NewRoomHub(roomID string, b Bus) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		bus:        b,
		register:   make(chan joinReq),
		unregister: make(chan string),
		broadcast:  make(chan busFrame, 256),
		clients:    make(map[string]*Client),
	}
}

func (rh *RoomHub) join(c *Client) error {
	req := joinReq{c: c, reply: make(chan error, 1)}
	rh.register <- req
	return <-req.reply
}

func (rh *RoomHub) leave(sessionID string) {
	rh.unregister <- sessionID
}

func (rh *RoomHub) run() {
	for {
		select {
		case req := <-rh.register:
			req.reply <- rh.handleJoin(req.c)
		case sessionID := <-rh.unregister:
			rh.handleLeave(sessionID)
		case f := <-rh.broadcast:
			if f.gen != rh.gen {
				continue
			}
			rh.fanout(f.value)
		}
	}
}

// handleJoin 注册会话;首个订阅者触发总线订阅,失败时不注册。
func (rh *RoomHub) handleJoin(c *Client) error {
	if rh.sub == nil {
		rh.gen++
		gen := rh.gen
		sub, err := rh.bus.Subscribe(rh.roomID, func(value []byte) {
			rh.broadcast <- busFrame{gen: gen, value: value}
		})
		if err != nil {
			return err
		}
		rh.sub = sub
		metrics.RoomSubscriptions.Inc()
	}
	rh.clients[c.id] = c
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	return nil
}

func (rh *RoomHub) handleLeave(sessionID string) {
	if _, ok := rh.clients[sessionID]; !ok {
		return
	}
	delete(rh.clients, sessionID)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	rh.teardownIfEmpty()
}

// teardownIfEmpty 在订阅者集合变空时异步关闭总线订阅。
// gen 自增让拆除中的订阅残余消息全部作废;后续 join 会建立
// 带新代号的订阅,拆除与重建由 actor 串行化。
func (rh *RoomHub) teardownIfEmpty() {
	if len(rh.clients) != 0 || rh.sub == nil {
		return
	}
	sub := rh.sub
	rh.sub = nil
	rh.gen++
	metrics.RoomSubscriptions.Dec()
	go func() {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("room_id", rh.roomID).Msg("close room subscription")
		}
	}()
}

// fanout 把一条总线消息按投递顺序转发给房间内全部会话。
// 发送缓冲已满的会话视为掉线,断开以保全其余会话。
func (rh *RoomHub) fanout(value []byte) {
	var msg models.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Warn().Err(err).Str("room_id", rh.roomID).Msg("drop malformed bus message")
		return
	}
	data, err := json.Marshal(frameOf(msg))
	if err != nil {
		return
	}
	for id, c := range rh.clients {
		if !c.trySend(data) {
			c.closeSend()
			delete(rh.clients, id)
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		}
	}
	rh.teardownIfEmpty()
}

// Online 返回房间在线会话数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
