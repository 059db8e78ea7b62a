package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/dadaWilliam/chat-app/internal/auth"
	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/dadaWilliam/chat-app/internal/store"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OnlineCounter 提供房间在线人数,由 Room Hub 实现。
type OnlineCounter interface {
	Online(roomID string) int
}

// CreateHook 在房间入库后同步执行,用于声明房间主题,
// 让归档消费者在首条消息前就能纳入该房间。
type CreateHook func(ctx context.Context, roomID string) error

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	store    *store.Store
	hub      OnlineCounter
	onCreate CreateHook
}

func NewRoomService(st *store.Store, hub OnlineCounter, onCreate CreateHook) *RoomService {
	return &RoomService{store: st, hub: hub, onCreate: onCreate}
}

// Slugify 把展示名确定性地派生为房间 id:
// 小写,连续的非字母数字折叠为单个连字符,首尾连字符去除。
func Slugify(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) && r < unicode.MaxASCII || unicode.IsDigit(r) && r < unicode.MaxASCII {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatorName string    `json:"creator_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Online      int       `json:"online"`
}

// Create 创建新房间。入库与主题声明是同一序列的两步:
// 主题声明失败时回滚房间记录并报瞬态错误,避免半建状态。
func (s *RoomService) Create(ctx context.Context, name string, creator auth.Identity) (*RoomDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, ErrInvalidRoomName
	}
	id := Slugify(name)
	if id == "" {
		return nil, ErrInvalidRoomName
	}
	room := models.Room{ID: id, Name: name, CreatorID: creator.UserID, CreatorName: creator.Username}
	if err := s.store.CreateRoom(ctx, &room); err != nil {
		if errors.Is(err, store.ErrDuplicateRoom) {
			return nil, ErrRoomExists
		}
		return nil, Transient(err)
	}
	if s.onCreate != nil {
		if err := s.onCreate(ctx, id); err != nil {
			log.Error().Err(err).Str("room_id", id).Msg("room topic provisioning failed, rolling back")
			if derr := s.store.DeleteRoom(ctx, id); derr != nil {
				log.Warn().Err(derr).Str("room_id", id).Msg("rollback room record")
			}
			return nil, Transient(err)
		}
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, CreatorName: room.CreatorName, CreatedAt: room.CreatedAt, Online: 0}, nil
}

// List 返回房间列表,附带各房间的在线人数。
func (s *RoomService) List(ctx context.Context, limit int) ([]RoomDTO, error) {
	rooms, err := s.store.ListRooms(ctx, limit)
	if err != nil {
		return nil, Transient(err)
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{
			ID:          r.ID,
			Name:        r.Name,
			CreatorName: r.CreatorName,
			CreatedAt:   r.CreatedAt,
			Online:      s.hub.Online(r.ID),
		})
	}
	return out, nil
}

// Get 按 id 查询房间;不存在返回 ErrRoomNotFound。
func (s *RoomService) Get(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, Transient(err)
	}
	return room, nil
}
