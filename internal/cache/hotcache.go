package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// HotCache 维护每个房间最近 N 条消息的 Redis 列表,新消息在表头。
type HotCache struct {
	client   *redis.Client
	capacity int
}

func New(client *redis.Client, capacity int) *HotCache {
	if capacity <= 0 {
		capacity = 50
	}
	return &HotCache{client: client, capacity: capacity}
}

// Connect 建立 Redis 连接并 ping 确认可用。
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *HotCache) key(roomID string) string {
	return fmt.Sprintf("room:%s:recent", roomID)
}

// Capacity 返回每房间的缓存容量 N。
func (c *HotCache) Capacity() int { return c.capacity }

// Push 头插一条消息并裁剪到容量 N,两步在同一管道内提交。
func (c *HotCache) Push(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.key(msg.RoomID), data)
	pipe.LTrim(ctx, c.key(msg.RoomID), 0, int64(c.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to hot cache: %w", err)
	}
	return nil
}

// Recent 返回最近 limit 条消息,逆时序,并标记缓存来源。
// 个别损坏条目跳过不致整页失败。
func (c *HotCache) Recent(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > c.capacity {
		limit = c.capacity
	}
	rows, err := c.client.LRange(ctx, c.key(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hot cache: %w", err)
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		var msg models.Message
		if err := json.Unmarshal([]byte(row), &msg); err != nil {
			log.Warn().Str("room_id", roomID).Msg("skip corrupt hot cache entry")
			continue
		}
		msg.Source = models.SourceCache
		out = append(out, msg)
	}
	return out, nil
}
