// Package keymanager 管理用戶的臨時密鑰池
// 每個條目是單次使用的 X25519 公鑰：分配（佔位）、附加公鑰、選取（認領）、到期移除
// 私鑰只存在於持有方設備，服務端只保存公鑰
package keymanager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cipher-chat/internal/constants"
	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/platform/logger"
	"cipher-chat/internal/security/crypto"
	"cipher-chat/internal/storage/database/user"
)

// ErrNoUsableKey 密鑰池中沒有可用的臨時密鑰
// 調用方應回退到長期密鑰路徑或提示補充密鑰池
var ErrNoUsableKey = errors.New("keymanager: no usable ephemeral key")

// Manager 臨時密鑰管理器
type Manager struct {
	users user.Repository

	// 每個擁有者一把鎖，序列化同一擁有者的選取操作
	// 存儲層的 compare-and-swap 是最終防線，鎖減少無謂的競爭重試
	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// NewManager 創建臨時密鑰管理器
func NewManager(users user.Repository) *Manager {
	return &Manager{
		users:  users,
		owners: make(map[string]*sync.Mutex),
	}
}

// ownerLock 獲取擁有者專屬鎖
func (m *Manager) ownerLock(ownerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.owners[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		m.owners[ownerID] = lock
	}
	return lock
}

// keyTTL 從配置讀取臨時密鑰有效期
func keyTTL() time.Duration {
	cfg := config.Get()
	if cfg != nil && cfg.Security.Encryption.EphemeralKeyTTLHours > 0 {
		return time.Duration(cfg.Security.Encryption.EphemeralKeyTTLHours) * time.Hour
	}
	return constants.DefaultEphemeralKeyTTL
}

// Allocate 為擁有者分配新的臨時密鑰條目
// 條目創建時公鑰為空（由持有方設備生成後通過 AttachPublicKey 附加），
// 公鑰為空的條目永遠不會被選取
func (m *Manager) Allocate(ctx context.Context, ownerID string) (*user.EphemeralKey, error) {
	id, err := crypto.SecureRandomID()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ephemeral key: %w", err)
	}

	now := time.Now().UTC()
	key := user.EphemeralKey{
		ID:        id,
		PublicKey: "",
		CreatedAt: now,
		ExpiresAt: now.Add(keyTTL()),
		Used:      false,
	}

	if err := m.users.AddEphemeralKey(ctx, ownerID, key); err != nil {
		return nil, err
	}

	logger.Debug(ctx, "ephemeral key allocated",
		logger.WithUserID(ownerID),
		logger.WithKeyID(id),
		logger.WithAction("ephemeral_key_allocate"),
	)

	return &key, nil
}

// AttachPublicKey 附加持有方生成的 X25519 公鑰到已分配的條目
func (m *Manager) AttachPublicKey(ctx context.Context, ownerID, keyID, publicKey string) error {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 public key: %v", crypto.ErrInvalidKey, err)
	}
	if len(raw) != constants.ExchangeKeyLength {
		return fmt.Errorf("%w: exchange public key must be %d bytes, got %d", crypto.ErrInvalidKey, constants.ExchangeKeyLength, len(raw))
	}

	if err := m.users.AttachEphemeralPublicKey(ctx, ownerID, keyID, publicKey); err != nil {
		return err
	}

	logger.Debug(ctx, "ephemeral public key attached",
		logger.WithUserID(ownerID),
		logger.WithKeyID(keyID),
		logger.WithAction("ephemeral_key_attach"),
	)

	return nil
}

// SelectUsable 選取並認領一個可用的臨時密鑰
// 可用條件：未使用、未到期、公鑰已附加；候選按創建時間從新到舊嘗試
// 認領通過存儲層 compare-and-swap 完成，併發下同一條目最多被認領一次；
// 沒有可用條目時返回 ErrNoUsableKey
func (m *Manager) SelectUsable(ctx context.Context, ownerID string) (*user.EphemeralKey, error) {
	lock := m.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	u, err := m.users.GetByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	candidates := make([]user.EphemeralKey, 0, len(u.EphemeralKeys))
	for _, k := range u.EphemeralKeys {
		if k.Usable(now) {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	for _, k := range candidates {
		claimed, err := m.users.ClaimEphemeralKey(ctx, ownerID, k.ID, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// 被其他併發請求搶先認領，嘗試下一個候選
			continue
		}

		logger.Debug(ctx, "ephemeral key claimed",
			logger.WithUserID(ownerID),
			logger.WithKeyID(k.ID),
			logger.WithAction("ephemeral_key_claim"),
		)

		selected := k
		selected.Used = true
		return &selected, nil
	}

	return nil, ErrNoUsableKey
}

// PruneExpired 移除所有用戶的到期臨時密鑰，返回受影響的用戶數
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	return m.users.PruneExpiredKeys(ctx, time.Now().UTC())
}
