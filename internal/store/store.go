package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dadaWilliam/chat-app/internal/models"
	"gorm.io/gorm"
)

var ErrDuplicateRoom = errors.New("room id already exists")

// Store 封装持久层:房间表与只追加的消息归档表。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateRoom 插入房间记录;slug 冲突返回 ErrDuplicateRoom。
func (s *Store) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateRoom
		}
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

// DeleteRoom 仅用于创建序列的回滚;业务上房间不支持删除。
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Delete(&models.Room{}, "id = ?", roomID).Error
}

// GetRoom 按 id 查询房间;不存在返回 gorm.ErrRecordNotFound。
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms 按创建时间倒序返回房间列表。
func (s *Store) ListRooms(ctx context.Context, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// Append 追加一条归档消息。消息 id 上的唯一索引保证幂等:
// at-least-once 投递下的重复消息按成功处理。
func (s *Store) Append(ctx context.Context, msg models.Message) error {
	rec := models.ArchivedMessage{
		MessageID:  msg.ID,
		RoomID:     msg.RoomID,
		Kind:       msg.Kind,
		Content:    msg.Content,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Timestamp:  msg.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListByRoom 按房间与时间窗查询归档消息,(timestamp, message_id) 倒序。
// before/after 为毫秒时间戳,0 表示不设边界;before 为严格小于。
func (s *Store) ListByRoom(ctx context.Context, roomID string, limit int, before, after int64) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if before > 0 {
		q = q.Where("timestamp < ?", before)
	}
	if after > 0 {
		q = q.Where("timestamp > ?", after)
	}
	var rows []models.ArchivedMessage
	if err := q.Order("timestamp desc, message_id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list archived messages: %w", err)
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToMessage())
	}
	return out, nil
}
