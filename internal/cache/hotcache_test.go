package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/google/uuid"
)

func testCache(t *testing.T, capacity int) *HotCache {
	t.Helper()
	client, err := Connect(context.Background(), "localhost:6379", "", 0)
	if err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return New(client, capacity)
}

func TestPushTrimsToCapacity(t *testing.T) {
	const capacity = 5
	c := testCache(t, capacity)
	ctx := context.Background()
	roomID := "room-" + uuid.NewString()[:8]
	base := time.Now().UnixMilli()

	// 写入超过容量的消息,缓存只保留最新的 N 条
	for i := 0; i < capacity+3; i++ {
		msg := models.Message{
			ID:        fmt.Sprintf("%s-%02d", roomID, i),
			Kind:      models.KindMessage,
			RoomID:    roomID,
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: base + int64(i),
		}
		if err := c.Push(ctx, msg); err != nil {
			t.Fatalf("Push() %d error = %v", i, err)
		}
	}

	got, err := c.Recent(ctx, roomID, 2*capacity)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != capacity {
		t.Fatalf("Recent() = %d entries, want exactly %d", len(got), capacity)
	}
	for i, m := range got {
		want := base + int64(capacity+2-i)
		if m.Timestamp != want {
			t.Errorf("got[%d].Timestamp = %d, want %d (newest first, oldest evicted)", i, m.Timestamp, want)
		}
		if m.Source != models.SourceCache {
			t.Errorf("got[%d].Source = %q, want %q", i, m.Source, models.SourceCache)
		}
	}
}

func TestRecentLimit(t *testing.T) {
	const capacity = 5
	c := testCache(t, capacity)
	ctx := context.Background()
	roomID := "room-" + uuid.NewString()[:8]
	base := time.Now().UnixMilli()

	for i := 0; i < capacity; i++ {
		msg := models.Message{
			ID:        fmt.Sprintf("%s-%02d", roomID, i),
			Kind:      models.KindMessage,
			RoomID:    roomID,
			Timestamp: base + int64(i),
		}
		if err := c.Push(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.Recent(ctx, roomID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(limit=2) = %d entries, want 2", len(got))
	}
	if got[0].Timestamp != base+int64(capacity-1) {
		t.Errorf("got[0].Timestamp = %d, want newest %d", got[0].Timestamp, base+int64(capacity-1))
	}

	// limit 为 0 时读满容量
	got, err = c.Recent(ctx, roomID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != capacity {
		t.Errorf("Recent(limit=0) = %d entries, want %d", len(got), capacity)
	}
}

func TestRecentEmptyRoom(t *testing.T) {
	c := testCache(t, 5)

	got, err := c.Recent(context.Background(), "room-"+uuid.NewString()[:8], 10)
	if err != nil {
		t.Fatalf("Recent(empty) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent(empty) = %d entries, want 0", len(got))
	}
}
