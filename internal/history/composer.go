package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/rs/zerolog/log"
)

// 读取层级:空字符串为组合模式,优先热缓存,不足再回落归档。
const (
	SourceCombined = ""
	SourceCache    = models.SourceCache
	SourceArchive  = models.SourceArchive
)

type CacheReader interface {
	Recent(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

type ArchiveReader interface {
	ListByRoom(ctx context.Context, roomID string, limit int, before, after int64) ([]models.Message, error)
}

// Composer 在热缓存与持久归档之上提供统一的分页历史读取。
type Composer struct {
	cache   CacheReader
	archive ArchiveReader
}

func New(cache CacheReader, archive ArchiveReader) *Composer {
	return &Composer{cache: cache, archive: archive}
}

// Page 是一次历史读取的结果与分页元数据。
type Page struct {
	Messages []models.Message `json:"messages"`
	Count    int              `json:"count"`
	HasMore  bool             `json:"has_more"`
	Oldest   int64            `json:"oldest,omitempty"`
	Newest   int64            `json:"newest,omitempty"`
}

// Read 按 (timestamp 倒序, id 倒序) 返回一页历史。
// before/after 为毫秒时间戳游标,0 表示不设边界;source 指定只读某一层。
//
// 组合模式:先取热缓存;若不够 limit,再从归档取严格早于已返回
// 缓存页最旧条目的剩余部分。归档滞后可能让同一条消息同时出现在
// 两层,层边界处按消息 id 去重,缓存侧副本胜出。
func (c *Composer) Read(ctx context.Context, roomID string, limit int, before, after int64, source string) (*Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	switch source {
	case SourceCache:
		msgs, err := c.readCache(ctx, roomID, limit, before, after)
		if err != nil {
			return nil, err
		}
		return newPage(msgs, limit), nil
	case SourceArchive:
		msgs, err := c.archive.ListByRoom(ctx, roomID, limit, before, after)
		if err != nil {
			return nil, err
		}
		return newPage(msgs, limit), nil
	case SourceCombined:
	default:
		return nil, fmt.Errorf("unknown history source %q", source)
	}

	cached, err := c.readCache(ctx, roomID, limit, before, after)
	if err != nil {
		// 缓存不可用降级为纯归档读取,不让整页失败。
		log.Warn().Err(err).Str("room_id", roomID).Msg("hot cache unavailable, serving archive only")
		cached = nil
	}
	if len(cached) >= limit {
		return newPage(cached[:limit], limit), nil
	}

	cutoff := before
	seen := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		seen[m.ID] = struct{}{}
		if cutoff == 0 || m.Timestamp < cutoff {
			cutoff = m.Timestamp
		}
	}

	remainder := limit - len(cached)
	archived, err := c.archive.ListByRoom(ctx, roomID, remainder+len(cached), cutoff, after)
	if err != nil {
		if len(cached) > 0 {
			// 归档不可用时至少交付缓存页。
			log.Warn().Err(err).Str("room_id", roomID).Msg("archive unavailable, serving cache only")
			return newPage(cached, limit), nil
		}
		return nil, err
	}

	merged := cached
	for _, m := range archived {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
		if len(merged) == limit {
			break
		}
	}
	return newPage(merged, limit), nil
}

// readCache 读取热缓存并应用游标过滤,缓存内按容量截断。
func (c *Composer) readCache(ctx context.Context, roomID string, limit int, before, after int64) ([]models.Message, error) {
	fetch := limit
	if before > 0 {
		// 游标可能落在缓存中段,多取一些再过滤。
		fetch = 0
	}
	msgs, err := c.cache.Recent(ctx, roomID, fetch)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if before > 0 && m.Timestamp >= before {
			continue
		}
		if after > 0 && m.Timestamp <= after {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// newPage 统一重排并装配分页元数据。
func newPage(msgs []models.Message, limit int) *Page {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp > msgs[j].Timestamp
		}
		return msgs[i].ID > msgs[j].ID
	})
	p := &Page{Messages: msgs, Count: len(msgs), HasMore: len(msgs) == limit}
	if len(msgs) > 0 {
		p.Newest = msgs[0].Timestamp
		p.Oldest = msgs[len(msgs)-1].Timestamp
	}
	return p
}
