package conversation

import (
	"context"
	"time"

	"cipher-chat/internal/platform/config"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageRepository 加密訊息倉儲接口
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit int, cursor string) ([]*Message, string, bool, error)
	ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkConversationRead(ctx context.Context, conversationID, recipientID string, at time.Time) (int64, error)
	MarkConversationDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) (int64, error)
	DeleteDisappeared(ctx context.Context, now time.Time) (int64, error)
}

// Message 加密訊息數據模型
// 服務端只保存密文、IV 與包裝後的密鑰，明文與未包裝的對稱密鑰絕不落庫
// EphemeralKeyID 非空表示密鑰以接收方臨時密鑰包裝（前向保密路徑），
// 為空表示以接收方長期公鑰包裝
type Message struct {
	ID               string     `bson:"_id" json:"id"`
	ConversationID   string     `bson:"conversation_id" json:"conversation_id"`
	SenderID         string     `bson:"sender_id" json:"sender_id"`
	RecipientID      string     `bson:"recipient_id" json:"recipient_id"`
	EncryptedContent string     `bson:"encrypted_content" json:"encrypted_content"`
	IV               string     `bson:"iv" json:"iv"`
	WrappedKey       string     `bson:"wrapped_key" json:"wrapped_key"`
	EphemeralKeyID   string     `bson:"ephemeral_key_id,omitempty" json:"ephemeral_key_id,omitempty"`
	MessageType      string     `bson:"message_type" json:"message_type"`
	Delivered        bool       `bson:"delivered" json:"delivered"`
	DeliveredAt      *time.Time `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	Read             bool       `bson:"read" json:"read"`
	ReadAt           *time.Time `bson:"read_at,omitempty" json:"read_at,omitempty"`
	DisappearAt      *time.Time `bson:"disappear_at,omitempty" json:"disappear_at,omitempty"`
	Timestamp        time.Time  `bson:"timestamp" json:"timestamp"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updated_at"`
}

// MessageStore 加密訊息存儲實作
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore 創建新的訊息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection("messages"),
	}
}

// Create 創建訊息
func (s *MessageStore) Create(ctx context.Context, message *Message) error {
	now := time.Now().UTC()
	if message.Timestamp.IsZero() {
		message.Timestamp = now
	}
	message.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, message)
	return err
}

// GetByID 根據 ID 獲取訊息
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	var message Message
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&message)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListByConversation 根據會話 ID 獲取訊息（游標分頁，新訊息在前）
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit int, cursor string) ([]*Message, string, bool, error) {
	// 從配置讀取限制
	cfg := config.Get()
	defaultLimit := 20
	maxLimit := 100
	if cfg != nil {
		if cfg.Limits.Pagination.DefaultPageSize > 0 {
			defaultLimit = cfg.Limits.Pagination.DefaultPageSize
		}
		if cfg.Limits.MongoDB.MaxQueryLimit > 0 {
			maxLimit = cfg.Limits.MongoDB.MaxQueryLimit
		}
	}

	// 限制分頁大小，防止性能問題
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filter := bson.M{"conversation_id": conversationID}

	// 如果有游標，查找比游標時間更早的訊息
	// 游標使用納秒精度，避免同秒訊息被跳過或重複
	if cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, cursor)
		if err == nil {
			filter["timestamp"] = bson.M{"$lt": cursorTime}
		}
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "timestamp", Value: -1}})

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, err
	}
	defer cursorResult.Close(ctx)

	var messages []*Message
	for cursorResult.Next(ctx) {
		var message Message
		if err := cursorResult.Decode(&message); err != nil {
			return nil, "", false, err
		}
		messages = append(messages, &message)
	}

	// 檢查是否有更多數據
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit] // 移除多取的那一個
	}

	// 生成下一個游標
	var nextCursor string
	if hasMore && len(messages) > 0 {
		nextCursor = messages[len(messages)-1].Timestamp.Format(time.RFC3339Nano)
	}

	return messages, nextCursor, hasMore, nil
}

// ListUndelivered 獲取接收方的未送達訊息（舊訊息在前，按送達順序處理）
func (s *MessageStore) ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*Message, error) {
	cfg := config.Get()
	defaultLimit := 20
	maxLimit := 100
	if cfg != nil {
		if cfg.Limits.Pagination.DefaultPageSize > 0 {
			defaultLimit = cfg.Limits.Pagination.DefaultPageSize
		}
		if cfg.Limits.MongoDB.MaxQueryLimit > 0 {
			maxLimit = cfg.Limits.MongoDB.MaxQueryLimit
		}
	}

	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filter := bson.M{
		"recipient_id": recipientID,
		"delivered":    false,
	}

	opts := options.Find()
	opts.SetLimit(int64(limit))
	opts.SetSort(bson.D{{Key: "timestamp", Value: 1}})

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursorResult.Close(ctx)

	var messages []*Message
	for cursorResult.Next(ctx) {
		var message Message
		if err := cursorResult.Decode(&message); err != nil {
			return nil, err
		}
		messages = append(messages, &message)
	}

	return messages, nil
}

// MarkDelivered 標記訊息為已送達（冪等，重複調用不改變首次送達時間）
func (s *MessageStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	filter := bson.M{
		"_id":       id,
		"delivered": false,
	}
	update := bson.M{
		"$set": bson.M{
			"delivered":    true,
			"delivered_at": at,
			"updated_at":   at,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	// 沒有匹配時區分「已送達」與「訊息不存在」
	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if count == 0 {
			return mongo.ErrNoDocuments
		}
	}

	return nil
}

// MarkRead 標記訊息為已讀（冪等）
// 只設置已讀字段，已讀蘊含已送達的轉換由生命週期控制器保證
func (s *MessageStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	filter := bson.M{
		"_id":  id,
		"read": false,
	}
	update := bson.M{
		"$set": bson.M{
			"read":       true,
			"read_at":    at,
			"updated_at": at,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if count == 0 {
			return mongo.ErrNoDocuments
		}
	}

	return nil
}

// MarkConversationRead 批量標記會話中發給接收方的未讀訊息
// 先補齊送達狀態再標記已讀，返回本次標記為已讀的訊息數
func (s *MessageStore) MarkConversationRead(ctx context.Context, conversationID, recipientID string, at time.Time) (int64, error) {
	// 第一步：補齊未送達訊息的送達狀態
	deliverFilter := bson.M{
		"conversation_id": conversationID,
		"recipient_id":    recipientID,
		"delivered":       false,
	}
	_, err := s.collection.UpdateMany(ctx, deliverFilter, bson.M{
		"$set": bson.M{
			"delivered":    true,
			"delivered_at": at,
			"updated_at":   at,
		},
	})
	if err != nil {
		return 0, err
	}

	// 第二步：標記未讀訊息為已讀
	readFilter := bson.M{
		"conversation_id": conversationID,
		"recipient_id":    recipientID,
		"read":            false,
	}
	result, err := s.collection.UpdateMany(ctx, readFilter, bson.M{
		"$set": bson.M{
			"read":       true,
			"read_at":    at,
			"updated_at": at,
		},
	})
	if err != nil {
		return 0, err
	}

	return result.ModifiedCount, nil
}

// MarkConversationDelivered 批量補齊會話中發給接收方的送達狀態
// 用於接收方關閉已讀回執時只記錄送達，返回本次標記的訊息數
func (s *MessageStore) MarkConversationDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) (int64, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"recipient_id":    recipientID,
		"delivered":       false,
	}
	result, err := s.collection.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{
			"delivered":    true,
			"delivered_at": at,
			"updated_at":   at,
		},
	})
	if err != nil {
		return 0, err
	}

	return result.ModifiedCount, nil
}

// DeleteDisappeared 刪除到期的閱後即焚訊息
// 只刪除設置了 disappear_at 且已到期的訊息，未設置的永不匹配
func (s *MessageStore) DeleteDisappeared(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"disappear_at": bson.M{"$lte": now},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}

	return result.DeletedCount, nil
}
