// Package message 管理加密訊息的生命週期
// 狀態只能單向推進：未送達 → 已送達 → 已讀，已讀蘊含已送達
package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cipher-chat/internal/security/crypto"
	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/user"
)

// Controller 訊息生命週期控制器
type Controller struct {
	store conversation.MessageRepository

	// 同一會話內時間戳嚴格遞增，避免同一納秒內兩則訊息順序不穩定
	mu   sync.Mutex
	last map[string]time.Time
}

// NewController 創建生命週期控制器
func NewController(store conversation.MessageRepository) *Controller {
	return &Controller{
		store: store,
		last:  make(map[string]time.Time),
	}
}

// nextTimestamp 為會話生成單調遞增的時間戳
func (c *Controller) nextTimestamp(conversationID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if last, ok := c.last[conversationID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	c.last[conversationID] = now
	return now
}

// Create 創建新訊息記錄
// ID 由加密安全隨機源生成；送達與已讀狀態初始為否；
// 接收方開啟閱後即焚時按其默認存活時間設置 DisappearAt
func (c *Controller) Create(ctx context.Context, msg *conversation.Message, settings user.SecuritySettings) error {
	if msg.ID == "" {
		id, err := crypto.SecureRandomID()
		if err != nil {
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.ID = id
	}

	msg.Delivered = false
	msg.DeliveredAt = nil
	msg.Read = false
	msg.ReadAt = nil
	msg.Timestamp = c.nextTimestamp(msg.ConversationID)

	if settings.EnableDisappearingMessages && settings.DefaultDisappearTime > 0 {
		disappearAt := msg.Timestamp.Add(time.Duration(settings.DefaultDisappearTime) * time.Second)
		msg.DisappearAt = &disappearAt
	} else {
		msg.DisappearAt = nil
	}

	if msg.MessageType == "" {
		msg.MessageType = "text"
	}

	return c.store.Create(ctx, msg)
}

// GetByID 根據 ID 獲取訊息
func (c *Controller) GetByID(ctx context.Context, id string) (*conversation.Message, error) {
	return c.store.GetByID(ctx, id)
}

// MarkDelivered 標記訊息為已送達（冪等，首次送達時間不被覆蓋）
func (c *Controller) MarkDelivered(ctx context.Context, id string) error {
	return c.store.MarkDelivered(ctx, id, time.Now().UTC())
}

// MarkRead 標記訊息為已讀
// 複合轉換：先補齊送達狀態再標記已讀，保證已讀蘊含已送達
func (c *Controller) MarkRead(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := c.store.MarkDelivered(ctx, id, now); err != nil {
		return err
	}
	return c.store.MarkRead(ctx, id, now)
}

// MarkConversationRead 批量標記會話中發給接收方的未讀訊息，返回標記數
func (c *Controller) MarkConversationRead(ctx context.Context, conversationID, recipientID string) (int64, error) {
	return c.store.MarkConversationRead(ctx, conversationID, recipientID, time.Now().UTC())
}

// MarkConversationDelivered 批量補齊會話中發給接收方的送達狀態，返回標記數
func (c *Controller) MarkConversationDelivered(ctx context.Context, conversationID, recipientID string) (int64, error) {
	return c.store.MarkConversationDelivered(ctx, conversationID, recipientID, time.Now().UTC())
}

// ListByConversation 按會話分頁查詢訊息（新訊息在前）
func (c *Controller) ListByConversation(ctx context.Context, conversationID string, limit int, cursor string) ([]*conversation.Message, string, bool, error) {
	return c.store.ListByConversation(ctx, conversationID, limit, cursor)
}

// ListUndelivered 查詢接收方的未送達訊息（舊訊息在前）
func (c *Controller) ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*conversation.Message, error) {
	return c.store.ListUndelivered(ctx, recipientID, limit)
}

// ShouldDisappear 檢查訊息在給定時間是否應被移除
// 未設置 DisappearAt 的訊息永不到期
func ShouldDisappear(m *conversation.Message, now time.Time) bool {
	return m.DisappearAt != nil && !now.Before(*m.DisappearAt)
}
