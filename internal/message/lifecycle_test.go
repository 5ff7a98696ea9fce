package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/memory"
	"cipher-chat/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	testConversation = "conv_alice_bob"
	testSender       = "user_alice"
	testRecipient    = "user_bob"
)

func newTestController() *Controller {
	return NewController(memory.NewMessageStore())
}

func newTestMessage() *conversation.Message {
	return &conversation.Message{
		ConversationID:   testConversation,
		SenderID:         testSender,
		RecipientID:      testRecipient,
		EncryptedContent: "Y2lwaGVydGV4dA==",
		IV:               "aXZpdml2aXZpdg==",
		WrappedKey:       "d3JhcHBlZA==",
	}
}

// TestCreateDefaults 測試訊息創建的初始狀態
func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	c := newTestController()

	msg := newTestMessage()
	if err := c.Create(ctx, msg, user.DefaultSecuritySettings()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if msg.ID == "" {
		t.Error("Created message has empty ID")
	}
	if msg.Delivered || msg.DeliveredAt != nil {
		t.Error("New message must not be delivered")
	}
	if msg.Read || msg.ReadAt != nil {
		t.Error("New message must not be read")
	}
	if msg.DisappearAt != nil {
		t.Error("DisappearAt set although disappearing messages are disabled")
	}
	if msg.MessageType != "text" {
		t.Errorf("MessageType = %q, want text", msg.MessageType)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

// TestCreateDisappearing 測試閱後即焚到期時間設置
func TestCreateDisappearing(t *testing.T) {
	ctx := context.Background()
	c := newTestController()

	settings := user.DefaultSecuritySettings()
	settings.EnableDisappearingMessages = true
	settings.DefaultDisappearTime = 60

	msg := newTestMessage()
	if err := c.Create(ctx, msg, settings); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if msg.DisappearAt == nil {
		t.Fatal("DisappearAt not set although disappearing messages are enabled")
	}
	want := msg.Timestamp.Add(60 * time.Second)
	if !msg.DisappearAt.Equal(want) {
		t.Errorf("DisappearAt = %v, want %v", msg.DisappearAt, want)
	}
}

// TestMarkDeliveredIdempotent 測試送達標記的冪等性
// 重複標記不改變首次送達時間
func TestMarkDeliveredIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestController()

	msg := newTestMessage()
	if err := c.Create(ctx, msg, user.DefaultSecuritySettings()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := c.MarkDelivered(ctx, msg.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	first, err := c.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !first.Delivered || first.DeliveredAt == nil {
		t.Fatal("Message not marked delivered")
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.MarkDelivered(ctx, msg.ID); err != nil {
		t.Fatalf("Second MarkDelivered failed: %v", err)
	}

	second, err := c.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !second.DeliveredAt.Equal(*first.DeliveredAt) {
		t.Errorf("DeliveredAt changed on repeat: %v -> %v", first.DeliveredAt, second.DeliveredAt)
	}
}

// TestMarkDeliveredUnknownMessage 測試標記不存在的訊息
func TestMarkDeliveredUnknownMessage(t *testing.T) {
	ctx := context.Background()
	c := newTestController()

	if err := c.MarkDelivered(ctx, "no_such_message"); !errors.Is(err, mongo.ErrNoDocuments) {
		t.Errorf("MarkDelivered(unknown) error = %v, want ErrNoDocuments", err)
	}
}

// TestMarkReadImpliesDelivered 測試已讀蘊含已送達
func TestMarkReadImpliesDelivered(t *testing.T) {
	ctx := context.Background()
	c := newTestController()

	msg := newTestMessage()
	if err := c.Create(ctx, msg, user.DefaultSecuritySettings()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 直接標記已讀，送達狀態必須被補齊
	if err := c.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	got, err := c.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Read || got.ReadAt == nil {
		t.Error("Message not marked read")
	}
	if !got.Delivered || got.DeliveredAt == nil {
		t.Error("Read message is not delivered - invariant violated")
	}
}

// TestMarkConversationRead 測試批量已讀只影響目標訊息
func TestMarkConversationRead(t *testing.T) {
	ctx := context.Background()
	c := newTestController()
	settings := user.DefaultSecuritySettings()

	// 5 則發給 bob 的未讀訊息
	for i := 0; i < 5; i++ {
		if err := c.Create(ctx, newTestMessage(), settings); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// 干擾項：別的會話 1 則，反方向（發給 alice）1 則
	otherConv := newTestMessage()
	otherConv.ConversationID = "conv_other"
	if err := c.Create(ctx, otherConv, settings); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	reverse := newTestMessage()
	reverse.SenderID = testRecipient
	reverse.RecipientID = testSender
	if err := c.Create(ctx, reverse, settings); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	count, err := c.MarkConversationRead(ctx, testConversation, testRecipient)
	if err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	if count != 5 {
		t.Errorf("MarkConversationRead count = %d, want 5", count)
	}

	// 干擾項不受影響
	for _, id := range []string{otherConv.ID, reverse.ID} {
		got, err := c.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Read {
			t.Errorf("Message %s marked read although it is not in scope", id)
		}
	}

	// 重複調用為冪等
	count, err = c.MarkConversationRead(ctx, testConversation, testRecipient)
	if err != nil {
		t.Fatalf("Second MarkConversationRead failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Repeat MarkConversationRead count = %d, want 0", count)
	}
}

// TestMonotonicTimestamps 測試同一會話內時間戳嚴格遞增
func TestMonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	c := newTestController()
	settings := user.DefaultSecuritySettings()

	var prev time.Time
	for i := 0; i < 100; i++ {
		msg := newTestMessage()
		if err := c.Create(ctx, msg, settings); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		if !msg.Timestamp.After(prev) {
			t.Fatalf("Timestamp %d not strictly increasing: %v <= %v", i, msg.Timestamp, prev)
		}
		prev = msg.Timestamp
	}
}

// TestListByConversationPagination 測試游標分頁不重複不遺漏
func TestListByConversationPagination(t *testing.T) {
	ctx := context.Background()
	c := newTestController()
	settings := user.DefaultSecuritySettings()

	created := make([]string, 5)
	for i := 0; i < 5; i++ {
		msg := newTestMessage()
		if err := c.Create(ctx, msg, settings); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		created[i] = msg.ID
	}

	seen := make(map[string]struct{})
	cursor := ""
	pages := 0
	for {
		messages, nextCursor, hasMore, err := c.ListByConversation(ctx, testConversation, 2, cursor)
		if err != nil {
			t.Fatalf("ListByConversation failed: %v", err)
		}

		// 每頁內部按時間倒序
		for i := 1; i < len(messages); i++ {
			if messages[i].Timestamp.After(messages[i-1].Timestamp) {
				t.Error("Page not sorted newest first")
			}
		}

		for _, m := range messages {
			if _, dup := seen[m.ID]; dup {
				t.Errorf("Duplicate message %s across pages", m.ID)
			}
			seen[m.ID] = struct{}{}
		}

		pages++
		if !hasMore {
			break
		}
		cursor = nextCursor
		if pages > 10 {
			t.Fatal("Pagination did not terminate")
		}
	}

	if len(seen) != len(created) {
		t.Errorf("Paged through %d messages, want %d", len(seen), len(created))
	}
}

// TestListUndelivered 測試未送達查詢的範圍與順序
func TestListUndelivered(t *testing.T) {
	ctx := context.Background()
	c := newTestController()
	settings := user.DefaultSecuritySettings()

	first := newTestMessage()
	second := newTestMessage()
	third := newTestMessage()
	for _, m := range []*conversation.Message{first, second, third} {
		if err := c.Create(ctx, m, settings); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// 已送達的訊息不在結果中
	if err := c.MarkDelivered(ctx, second.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	got, err := c.ListUndelivered(ctx, testRecipient, 0)
	if err != nil {
		t.Fatalf("ListUndelivered failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("ListUndelivered returned %d messages, want 2", len(got))
	}
	// 舊訊息在前
	if got[0].ID != first.ID || got[1].ID != third.ID {
		t.Errorf("ListUndelivered order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, first.ID, third.ID)
	}
}

// TestShouldDisappear 測試到期判斷
func TestShouldDisappear(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name        string
		disappearAt *time.Time
		want        bool
	}{
		{"unset never disappears", nil, false},
		{"past disappears", &past, true},
		{"exactly now disappears", &now, true},
		{"future survives", &future, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &conversation.Message{DisappearAt: tc.disappearAt}
			if got := ShouldDisappear(m, now); got != tc.want {
				t.Errorf("ShouldDisappear = %v, want %v", got, tc.want)
			}
		})
	}
}
