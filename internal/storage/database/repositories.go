package database

import (
	"context"

	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/platform/logger"
	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/memory"
	"cipher-chat/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Users    user.Repository
	Messages conversation.MessageRepository
}

// NewRepositories 創建 MongoDB 倉儲集合.
func NewRepositories(_ *config.Config) *Repositories {
	// 從 driver 包獲取 MongoDB 連接
	db := mongoDB
	if db == nil {
		return nil
	}

	// 創建索引以優化查詢性能
	ctx := context.Background()
	if err := conversation.CreateIndexes(ctx, db); err != nil {
		// 記錄錯誤但不中斷服務啟動
		logger.Warningf(ctx, "failed to create indexes: %v", err)
	}

	return &Repositories{
		Users:    user.NewUserStore(db),
		Messages: conversation.NewMessageStore(db),
	}
}

// NewMemoryRepositories 創建內存倉儲集合（測試與單機開發）.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Users:    memory.NewUserStore(),
		Messages: memory.NewMessageStore(),
	}
}

// 全局變數，用於存儲 MongoDB 連接
var mongoDB *mongo.Database

// SetMongoDB 設置 MongoDB 連接.
func SetMongoDB(db *mongo.Database) {
	mongoDB = db
}
