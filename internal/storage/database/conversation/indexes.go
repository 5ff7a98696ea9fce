package conversation

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建數據庫索引以優化查詢性能
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	messagesCollection := db.Collection("messages")

	// 1. 會話 ID + 時間戳複合索引（最重要的索引，支撐分頁查詢）
	conversationTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "timestamp", Value: -1},
		},
		Options: options.Index().SetName("conversation_time_idx"),
	}

	// 2. 接收方 + 送達狀態索引（未送達訊息查詢）
	undeliveredIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "recipient_id", Value: 1},
			{Key: "delivered", Value: 1},
		},
		Options: options.Index().SetName("undelivered_idx"),
	}

	// 3. 閱後即焚到期時間稀疏索引（只索引設置了該字段的訊息）
	disappearIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "disappear_at", Value: 1},
		},
		Options: options.Index().SetName("disappear_idx").SetSparse(true),
	}

	// 4. 會話 + 接收方 + 已讀狀態索引（批量已讀更新）
	conversationReadIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "recipient_id", Value: 1},
			{Key: "read", Value: 1},
		},
		Options: options.Index().SetName("conversation_read_idx"),
	}

	messageIndexes := []mongo.IndexModel{
		conversationTimeIndex,
		undeliveredIndex,
		disappearIndex,
		conversationReadIndex,
	}

	_, err := messagesCollection.Indexes().CreateMany(ctx, messageIndexes)
	if err != nil {
		return err
	}

	// 用戶集合索引
	usersCollection := db.Collection("users")

	// 1. 臨時密鑰 ID 索引
	ephemeralKeyIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "ephemeral_keys.id", Value: 1},
		},
		Options: options.Index().SetName("ephemeral_key_id_idx"),
	}

	// 2. 臨時密鑰到期時間索引（過期清理掃描）
	ephemeralKeyExpiryIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "ephemeral_keys.expires_at", Value: 1},
		},
		Options: options.Index().SetName("ephemeral_key_expiry_idx"),
	}

	userIndexes := []mongo.IndexModel{
		ephemeralKeyIDIndex,
		ephemeralKeyExpiryIndex,
	}

	_, err = usersCollection.Indexes().CreateMany(ctx, userIndexes)
	if err != nil {
		return err
	}

	return nil
}
