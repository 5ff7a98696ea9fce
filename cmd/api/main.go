package main

import (
	"context"
	"fmt"
	"os"

	"cipher-chat/internal/message"
	"cipher-chat/internal/messaging"
	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/platform/driver"
	"cipher-chat/internal/platform/logger"
	"cipher-chat/internal/platform/server"
	"cipher-chat/internal/retention"
	"cipher-chat/internal/security/keymanager"
	"cipher-chat/internal/storage/database"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}
	logger.LogInfof("設定載入成功，環境: %s", config.GetEnv())

	// 連接資料庫.
	if err := driver.ConnectMongo(); err != nil {
		return err
	}
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	// 設置 MongoDB 連接到 database 包
	database.SetMongoDB(driver.GetMongoDatabase())

	// 初始化 Repository.
	repos := database.NewRepositories(config.Get())
	if repos == nil {
		return fmt.Errorf("repository initialization failed")
	}

	// 組裝核心服務
	keyManager := keymanager.NewManager(repos.Users)
	controller := message.NewController(repos.Messages)
	svc := messaging.NewService(repos.Users, keyManager, controller)

	// 啟動過期清理
	cfg := config.Get()
	sweeper := retention.NewSweeper(repos.Messages, keyManager)
	if cfg.Security.Retention.Enabled {
		sweeper.Start()
		defer sweeper.Stop()
		logger.Info(ctx, "過期清理已啟動", logger.WithAction("retention_start"))
	}

	// 啟動 HTTP 服務器，阻塞至收到關閉信號
	router := server.Router(svc, repos.Users)
	return server.Start(router)
}
