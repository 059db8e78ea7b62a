package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dadaWilliam/chat-app/internal/models"
)

type memCache struct {
	msgs []models.Message
	err  error
}

func (m *memCache) Recent(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit <= 0 || limit > len(m.msgs) {
		limit = len(m.msgs)
	}
	out := make([]models.Message, limit)
	copy(out, m.msgs[:limit])
	for i := range out {
		out[i].Source = models.SourceCache
	}
	return out, nil
}

type memArchive struct {
	msgs []models.Message
	err  error
}

func (m *memArchive) ListByRoom(ctx context.Context, roomID string, limit int, before, after int64) ([]models.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.Message, 0, limit)
	for _, msg := range m.msgs {
		if before > 0 && msg.Timestamp >= before {
			continue
		}
		if after > 0 && msg.Timestamp <= after {
			continue
		}
		msg.Source = models.SourceArchive
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// msgs 构造从 newest 开始倒序排列的 n 条消息,id 与时间戳一一对应。
func msgs(newest int64, n int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		ts := newest - int64(i)
		out = append(out, models.Message{
			ID:        fmt.Sprintf("m%04d", ts),
			Kind:      models.KindMessage,
			RoomID:    "general",
			Timestamp: ts,
		})
	}
	return out
}

func TestComposer_CacheSatisfiesPage(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 50)}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 10 {
		t.Fatalf("Count = %d, want 10", page.Count)
	}
	if !page.HasMore {
		t.Error("HasMore = false, want true")
	}
	if page.Newest != 100 || page.Oldest != 91 {
		t.Errorf("Newest/Oldest = %d/%d, want 100/91", page.Newest, page.Oldest)
	}
	for _, m := range page.Messages {
		if m.Source != models.SourceCache {
			t.Errorf("message %s source = %q, want cache", m.ID, m.Source)
		}
	}
}

func TestComposer_FallsThroughToArchive(t *testing.T) {
	// 缓存只有 5 条,归档保有完整历史。
	cache := &memCache{msgs: msgs(100, 5)}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 12, 0, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 12 {
		t.Fatalf("Count = %d, want 12", page.Count)
	}
	for i, m := range page.Messages {
		want := int64(100 - i)
		if m.Timestamp != want {
			t.Fatalf("message[%d].Timestamp = %d, want %d", i, m.Timestamp, want)
		}
		wantSrc := models.SourceCache
		if i >= 5 {
			wantSrc = models.SourceArchive
		}
		if m.Source != wantSrc {
			t.Errorf("message[%d] source = %q, want %q", i, m.Source, wantSrc)
		}
	}
}

func TestComposer_DedupAcrossTierBoundary(t *testing.T) {
	// 归档消费尚未追平:缓存尾部条目也出现在归档查询结果里。
	cache := &memCache{msgs: msgs(100, 3)}
	lagging := &memArchive{msgs: msgs(100, 100)}
	lagging.msgs = append([]models.Message{{ID: "m0098", RoomID: "general", Timestamp: 97}}, lagging.msgs...)
	c := New(cache, lagging)

	page, err := c.Read(context.Background(), "general", 6, 0, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[string]int)
	for _, m := range page.Messages {
		counts[m.ID]++
	}
	for id, n := range counts {
		if n > 1 {
			t.Errorf("message %s appears %d times, want 1", id, n)
		}
	}
	if page.Count != 6 {
		t.Errorf("Count = %d, want 6", page.Count)
	}
}

func TestComposer_BeforeCursorSkipsCache(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 20)} // 缓存覆盖 81..100
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 10, 81, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 10 {
		t.Fatalf("Count = %d, want 10", page.Count)
	}
	if page.Newest != 80 {
		t.Errorf("Newest = %d, want 80 (strictly older than cursor)", page.Newest)
	}
	for _, m := range page.Messages {
		if m.Timestamp >= 81 {
			t.Errorf("message %s at %d violates before cursor", m.ID, m.Timestamp)
		}
	}
}

func TestComposer_BeforeCursorInsideCache(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 20)}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 5, 95, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Newest != 94 || page.Oldest != 90 {
		t.Errorf("Newest/Oldest = %d/%d, want 94/90", page.Newest, page.Oldest)
	}
	for _, m := range page.Messages {
		if m.Source != models.SourceCache {
			t.Errorf("message %s source = %q, cursor page should come from cache", m.ID, m.Source)
		}
	}
}

func TestComposer_AfterCursor(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 20)}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 50, 0, 95, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 5 {
		t.Fatalf("Count = %d, want 5 (96..100)", page.Count)
	}
	if page.Oldest != 96 {
		t.Errorf("Oldest = %d, want 96 (strictly newer than cursor)", page.Oldest)
	}
}

func TestComposer_CacheFailureDegradesToArchive(t *testing.T) {
	cache := &memCache{err: errors.New("redis down")}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 10 {
		t.Fatalf("Count = %d, want 10", page.Count)
	}
	for _, m := range page.Messages {
		if m.Source != models.SourceArchive {
			t.Errorf("message %s source = %q, want archive", m.ID, m.Source)
		}
	}
}

func TestComposer_ArchiveFailureServesCachePage(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 5)}
	archive := &memArchive{err: errors.New("db down")}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCombined)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 5 {
		t.Errorf("Count = %d, want 5 (cache page only)", page.Count)
	}
}

func TestComposer_BothTiersDown(t *testing.T) {
	cache := &memCache{err: errors.New("redis down")}
	archive := &memArchive{err: errors.New("db down")}
	c := New(cache, archive)

	if _, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCombined); err == nil {
		t.Fatal("Read() should fail when both tiers are unavailable")
	}
}

func TestComposer_SingleSource(t *testing.T) {
	cache := &memCache{msgs: msgs(100, 5)}
	archive := &memArchive{msgs: msgs(100, 100)}
	c := New(cache, archive)

	page, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCache)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 5 {
		t.Errorf("cache source Count = %d, want 5", page.Count)
	}

	page, err = c.Read(context.Background(), "general", 10, 0, 0, SourceArchive)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 10 {
		t.Errorf("archive source Count = %d, want 10", page.Count)
	}

	if _, err := c.Read(context.Background(), "general", 10, 0, 0, "tape"); err == nil {
		t.Error("unknown source should be rejected")
	}
}

func TestComposer_StableOrdering(t *testing.T) {
	// 相同时间戳的消息按 id 倒序保持全序。
	cache := &memCache{msgs: []models.Message{
		{ID: "b", RoomID: "general", Timestamp: 50},
		{ID: "a", RoomID: "general", Timestamp: 50},
		{ID: "c", RoomID: "general", Timestamp: 40},
	}}
	c := New(cache, &memArchive{})

	page, err := c.Read(context.Background(), "general", 10, 0, 0, SourceCache)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{page.Messages[0].ID, page.Messages[1].ID, page.Messages[2].ID}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestComposer_LimitClamped(t *testing.T) {
	cache := &memCache{msgs: msgs(1000, 200)}
	c := New(cache, &memArchive{})

	page, err := c.Read(context.Background(), "general", 500, 0, 0, SourceCache)
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 20 {
		t.Errorf("out-of-range limit Count = %d, want default 20", page.Count)
	}
}
