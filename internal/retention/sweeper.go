// Package retention 定期清理到期數據：
// 閱後即焚訊息（disappear_at 已過）與到期的臨時密鑰
package retention

import (
	"context"
	"sync"
	"time"

	"cipher-chat/internal/constants"
	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/platform/logger"
	"cipher-chat/internal/security/keymanager"
	"cipher-chat/internal/storage/database/conversation"
)

// Sweeper 過期數據清理器
type Sweeper struct {
	messages conversation.MessageRepository
	keys     *keymanager.Manager

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// sweeping 防止單次清理超過間隔時重疊執行
	sweeping sync.Mutex
}

// NewSweeper 創建清理器
func NewSweeper(messages conversation.MessageRepository, keys *keymanager.Manager) *Sweeper {
	return &Sweeper{
		messages: messages,
		keys:     keys,
	}
}

// sweepInterval 從配置讀取掃描間隔
func sweepInterval() time.Duration {
	cfg := config.Get()
	if cfg != nil && cfg.Security.Retention.SweepIntervalMinutes > 0 {
		return time.Duration(cfg.Security.Retention.SweepIntervalMinutes) * time.Minute
	}
	return constants.DefaultSweepInterval
}

// Start 啟動定期清理
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return // 已經在運行
	}

	s.stopChan = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop 停止定期清理，等待進行中的清理結束
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	close(s.stopChan)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

// sweepLoop 清理循環
func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trySweep()
		case <-s.stopChan:
			return
		}
	}
}

// trySweep 執行一輪清理，上一輪尚未結束時跳過本次觸發
func (s *Sweeper) trySweep() {
	if !s.sweeping.TryLock() {
		logger.Debug(context.Background(), "sweep still running, tick skipped",
			logger.WithAction("retention_sweep_skip"),
		)
		return
	}
	defer s.sweeping.Unlock()

	s.SweepOnce(context.Background())
}

// SweepOnce 執行一輪清理
// 刪除與移除都是冪等操作，兩個清理目標各自失敗不影響另一個
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	deletedMessages, err := s.messages.DeleteDisappeared(ctx, now)
	if err != nil {
		logger.Error(ctx, "failed to delete disappeared messages",
			logger.WithAction("retention_sweep"),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}),
		)
	}

	prunedUsers, err := s.keys.PruneExpired(ctx)
	if err != nil {
		logger.Error(ctx, "failed to prune expired ephemeral keys",
			logger.WithAction("retention_sweep"),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}),
		)
	}

	// 沒有清理到任何東西時只記 DEBUG，避免日誌噪音
	if deletedMessages == 0 && prunedUsers == 0 {
		logger.Debug(ctx, "retention sweep completed, nothing to clean",
			logger.WithAction("retention_sweep"),
		)
		return
	}

	logger.Info(ctx, "retention sweep completed",
		logger.WithAction("retention_sweep"),
		logger.WithDetails(map[string]interface{}{
			"deleted_messages": deletedMessages,
			"pruned_users":     prunedUsers,
		}),
	)
}
