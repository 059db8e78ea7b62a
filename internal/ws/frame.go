package ws

import (
	"time"

	"github.com/dadaWilliam/chat-app/internal/models"
)

// 客户端意图帧的封闭类型集,Gateway 对其做穷尽分发。
const (
	IntentJoin    = "join"
	IntentLeave   = "leave"
	IntentMessage = "message"
)

// 服务端下行帧类型。
const (
	FrameSystem  = "system"
	FrameMessage = "message"
	FrameError   = "error"
	FrameHistory = "history"
)

// history 帧分两次交付:先缓存页,再归档补齐。
const (
	HistoryRecent  = "recent"
	HistoryArchive = "archive"
)

// InboundFrame 是客户端到服务端的意图帧。
type InboundFrame struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Content string `json:"content,omitempty"`
}

// OutboundFrame 是服务端到客户端的下行帧。
type OutboundFrame struct {
	Type       string           `json:"type"`
	RoomID     string           `json:"roomId,omitempty"`
	ID         string           `json:"id,omitempty"`
	Content    string           `json:"content,omitempty"`
	AuthorID   uint             `json:"authorId,omitempty"`
	AuthorName string           `json:"authorName,omitempty"`
	Source     string           `json:"source,omitempty"`
	Messages   []models.Message `json:"messages,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// frameOf 把一条总线消息转成对应的下行帧,system 消息保持其种类。
func frameOf(msg models.Message) OutboundFrame {
	t := FrameMessage
	if msg.Kind == models.KindSystem {
		t = FrameSystem
	}
	return OutboundFrame{
		Type:       t,
		RoomID:     msg.RoomID,
		ID:         msg.ID,
		Content:    msg.Content,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Timestamp:  msg.Timestamp,
	}
}

func errorFrame(roomID, content string) OutboundFrame {
	return OutboundFrame{
		Type:      FrameError,
		RoomID:    roomID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

func historyFrame(roomID, source string, msgs []models.Message) OutboundFrame {
	return OutboundFrame{
		Type:      FrameHistory,
		RoomID:    roomID,
		Source:    source,
		Messages:  msgs,
		Timestamp: time.Now().UnixMilli(),
	}
}
