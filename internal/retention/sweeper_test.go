package retention

import (
	"context"
	"testing"
	"time"

	"cipher-chat/internal/security/keymanager"
	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/memory"
	"cipher-chat/internal/storage/database/user"
)

func newTestSweeper(t *testing.T) (*Sweeper, *memory.MessageStore, *memory.UserStore) {
	t.Helper()

	messages := memory.NewMessageStore()
	users := memory.NewUserStore()
	return NewSweeper(messages, keymanager.NewManager(users)), messages, users
}

func addMessage(t *testing.T, store *memory.MessageStore, id string, disappearAt *time.Time) {
	t.Helper()

	if err := store.Create(context.Background(), &conversation.Message{
		ID:             id,
		ConversationID: "conv_test",
		SenderID:       "user_alice",
		RecipientID:    "user_bob",
		DisappearAt:    disappearAt,
	}); err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}
}

// TestSweepOnceDeletesExpiredMessages 測試到期訊息被刪除、未設置的存活
func TestSweepOnceDeletesExpiredMessages(t *testing.T) {
	ctx := context.Background()
	sweeper, messages, _ := newTestSweeper(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	addMessage(t, messages, "expired", &past)
	addMessage(t, messages, "pending", &future)
	addMessage(t, messages, "permanent", nil)

	sweeper.SweepOnce(ctx)

	if _, err := messages.GetByID(ctx, "expired"); err == nil {
		t.Error("Expired message survived the sweep")
	}
	if _, err := messages.GetByID(ctx, "pending"); err != nil {
		t.Errorf("Unexpired message was deleted: %v", err)
	}
	if _, err := messages.GetByID(ctx, "permanent"); err != nil {
		t.Errorf("Message without disappear time was deleted: %v", err)
	}
}

// TestSweepOnceIdempotent 測試重複清理是冪等操作
func TestSweepOnceIdempotent(t *testing.T) {
	ctx := context.Background()
	sweeper, messages, _ := newTestSweeper(t)

	past := time.Now().UTC().Add(-time.Minute)
	addMessage(t, messages, "expired", &past)

	sweeper.SweepOnce(ctx)
	sweeper.SweepOnce(ctx) // 第二輪沒有東西可清，不應報錯

	if _, err := messages.GetByID(ctx, "expired"); err == nil {
		t.Error("Expired message survived the sweep")
	}
}

// TestSweepOncePrunesExpiredKeys 測試到期臨時密鑰被清理
func TestSweepOncePrunesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	sweeper, _, users := newTestSweeper(t)

	now := time.Now().UTC()
	if err := users.Create(ctx, &user.User{
		ID: "user_bob",
		EphemeralKeys: []user.EphemeralKey{
			{ID: "expired_key", ExpiresAt: now.Add(-time.Hour)},
			{ID: "valid_key", ExpiresAt: now.Add(time.Hour)},
		},
	}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	sweeper.SweepOnce(ctx)

	u, err := users.GetByID(ctx, "user_bob")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(u.EphemeralKeys) != 1 || u.EphemeralKeys[0].ID != "valid_key" {
		t.Errorf("After sweep keys = %+v, want only valid_key", u.EphemeralKeys)
	}
}

// TestSweepOverlapSkipped 測試清理未結束時跳過新的觸發
func TestSweepOverlapSkipped(t *testing.T) {
	ctx := context.Background()
	sweeper, messages, _ := newTestSweeper(t)

	past := time.Now().UTC().Add(-time.Minute)
	addMessage(t, messages, "expired", &past)

	// 模擬一輪清理進行中
	sweeper.sweeping.Lock()
	sweeper.trySweep()
	if _, err := messages.GetByID(ctx, "expired"); err != nil {
		t.Error("Overlapping sweep was not skipped")
	}
	sweeper.sweeping.Unlock()

	// 上一輪結束後的觸發正常執行
	sweeper.trySweep()
	if _, err := messages.GetByID(ctx, "expired"); err == nil {
		t.Error("Expired message survived the sweep")
	}
}

// TestStartStop 測試啟動停止的生命週期
func TestStartStop(t *testing.T) {
	sweeper, _, _ := newTestSweeper(t)

	sweeper.Start()
	sweeper.Start() // 重複啟動不應產生第二個循環

	sweeper.Stop()
	sweeper.Stop() // 重複停止不應 panic

	// 停止後可重新啟動
	sweeper.Start()
	sweeper.Stop()
}
