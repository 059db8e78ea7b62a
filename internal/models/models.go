package models

import "time"

// 消息种类:普通聊天消息或系统通知。
const (
	KindMessage = "message"
	KindSystem  = "system"
)

// 历史消息的来源层,读取时附加,不落库。
const (
	SourceCache   = "cache"
	SourceArchive = "archive"
)

// Message 是总线与各存储层之间流转的规范消息记录。
// Timestamp 为毫秒级 unix 时间戳,排序键固定为 (Timestamp, ID)。
type Message struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	RoomID     string `json:"room_id"`
	Content    string `json:"content"`
	AuthorID   uint   `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source,omitempty"`
}

// Room 的主键是由展示名确定性派生的 slug,保证创建幂等。
type Room struct {
	ID          string    `gorm:"primaryKey;size:128" json:"id"`
	Name        string    `gorm:"size:128;not null" json:"name"`
	CreatorID   uint      `gorm:"not null" json:"creator_id"`
	CreatorName string    `gorm:"size:64" json:"creator_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArchivedMessage 是归档消费者写入持久层的消息记录。
// MessageID 唯一索引保证 at-least-once 投递下的落库幂等。
type ArchivedMessage struct {
	ID         uint   `gorm:"primaryKey"`
	MessageID  string `gorm:"uniqueIndex;size:64;not null"`
	RoomID     string `gorm:"index:idx_arch_room_ts,priority:1;size:128;not null"`
	Kind       string `gorm:"size:16;not null"`
	Content    string `gorm:"type:text;not null"`
	AuthorID   uint
	AuthorName string `gorm:"size:64"`
	Timestamp  int64  `gorm:"index:idx_arch_room_ts,priority:2;not null"`
	CreatedAt  time.Time
}

// ToMessage 还原为规范消息记录,并标记归档来源。
func (a ArchivedMessage) ToMessage() Message {
	return Message{
		ID:         a.MessageID,
		Kind:       a.Kind,
		RoomID:     a.RoomID,
		Content:    a.Content,
		AuthorID:   a.AuthorID,
		AuthorName: a.AuthorName,
		Timestamp:  a.Timestamp,
		Source:     SourceArchive,
	}
}
