// Package memory 提供 user 與 conversation 倉儲的內存實作
// 用於測試與單機開發環境，語義與 MongoDB 實作保持一致
// （包括未找到時返回 mongo.ErrNoDocuments，調用方無需區分後端）
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// UserStore 用戶存儲的內存實作
type UserStore struct {
	mu    sync.Mutex
	users map[string]*user.User
}

// NewUserStore 創建內存用戶存儲
func NewUserStore() *UserStore {
	return &UserStore{
		users: make(map[string]*user.User),
	}
}

func copyUser(u *user.User) *user.User {
	cp := *u
	cp.EphemeralKeys = make([]user.EphemeralKey, len(u.EphemeralKeys))
	copy(cp.EphemeralKeys, u.EphemeralKeys)
	return &cp
}

// Create 創建用戶
func (s *UserStore) Create(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.EphemeralKeys == nil {
		u.EphemeralKeys = []user.EphemeralKey{}
	}

	s.users[u.ID] = copyUser(u)
	return nil
}

// GetByID 根據 ID 獲取用戶
func (s *UserStore) GetByID(_ context.Context, id string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}

	return copyUser(u), nil
}

// Save 保存用戶（保存前移除到期的臨時密鑰）
func (s *UserStore) Save(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return mongo.ErrNoDocuments
	}

	u.PruneExpired(time.Now().UTC())
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = copyUser(u)
	return nil
}

// AddEphemeralKey 向用戶密鑰池添加新條目
func (s *UserStore) AddEphemeralKey(_ context.Context, ownerID string, key user.EphemeralKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[ownerID]
	if !ok {
		return mongo.ErrNoDocuments
	}

	u.EphemeralKeys = append(u.EphemeralKeys, key)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachEphemeralPublicKey 附加臨時公鑰到已分配的條目
func (s *UserStore) AttachEphemeralPublicKey(_ context.Context, ownerID, keyID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[ownerID]
	if !ok {
		return mongo.ErrNoDocuments
	}

	for i := range u.EphemeralKeys {
		if u.EphemeralKeys[i].ID == keyID && !u.EphemeralKeys[i].Used {
			u.EphemeralKeys[i].PublicKey = publicKey
			u.UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return mongo.ErrNoDocuments
}

// ClaimEphemeralKey 原子認領臨時密鑰
// 鎖內完成檢查與標記，併發認領同一條目時最多一方成功
func (s *UserStore) ClaimEphemeralKey(_ context.Context, ownerID, keyID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[ownerID]
	if !ok {
		return false, mongo.ErrNoDocuments
	}

	for i := range u.EphemeralKeys {
		k := &u.EphemeralKeys[i]
		if k.ID == keyID && k.Usable(now) {
			k.Used = true
			u.UpdatedAt = now
			return true, nil
		}
	}

	return false, nil
}

// PruneExpiredKeys 移除所有用戶的到期臨時密鑰，返回受影響的用戶數
func (s *UserStore) PruneExpiredKeys(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, u := range s.users {
		if removed := u.PruneExpired(now); removed > 0 {
			u.UpdatedAt = now
			affected++
		}
	}

	return affected, nil
}

// UpdateSecuritySettings 更新用戶安全設定
func (s *UserStore) UpdateSecuritySettings(_ context.Context, id string, settings user.SecuritySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return mongo.ErrNoDocuments
	}

	u.SecuritySettings = settings
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// MessageStore 加密訊息存儲的內存實作
type MessageStore struct {
	mu       sync.Mutex
	messages map[string]*conversation.Message
}

// NewMessageStore 創建內存訊息存儲
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[string]*conversation.Message),
	}
}

func copyMessage(m *conversation.Message) *conversation.Message {
	cp := *m
	return &cp
}

func pageLimits() (defaultLimit, maxLimit int) {
	defaultLimit = 20
	maxLimit = 100
	cfg := config.Get()
	if cfg != nil {
		if cfg.Limits.Pagination.DefaultPageSize > 0 {
			defaultLimit = cfg.Limits.Pagination.DefaultPageSize
		}
		if cfg.Limits.MongoDB.MaxQueryLimit > 0 {
			maxLimit = cfg.Limits.MongoDB.MaxQueryLimit
		}
	}
	return defaultLimit, maxLimit
}

// Create 創建訊息
func (s *MessageStore) Create(_ context.Context, message *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if message.Timestamp.IsZero() {
		message.Timestamp = now
	}
	message.UpdatedAt = now

	s.messages[message.ID] = copyMessage(message)
	return nil
}

// GetByID 根據 ID 獲取訊息
func (s *MessageStore) GetByID(_ context.Context, id string) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}

	return copyMessage(m), nil
}

// ListByConversation 根據會話 ID 獲取訊息（游標分頁，新訊息在前）
func (s *MessageStore) ListByConversation(_ context.Context, conversationID string, limit int, cursor string) ([]*conversation.Message, string, bool, error) {
	defaultLimit, maxLimit := pageLimits()
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var before time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			before = t
		}
	}

	s.mu.Lock()
	var matched []*conversation.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.Timestamp.Before(before) {
			continue
		}
		matched = append(matched, copyMessage(m))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}

	var nextCursor string
	if hasMore && len(matched) > 0 {
		nextCursor = matched[len(matched)-1].Timestamp.Format(time.RFC3339Nano)
	}

	return matched, nextCursor, hasMore, nil
}

// ListUndelivered 獲取接收方的未送達訊息（舊訊息在前）
func (s *MessageStore) ListUndelivered(_ context.Context, recipientID string, limit int) ([]*conversation.Message, error) {
	defaultLimit, maxLimit := pageLimits()
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	s.mu.Lock()
	var matched []*conversation.Message
	for _, m := range s.messages {
		if m.RecipientID == recipientID && !m.Delivered {
			matched = append(matched, copyMessage(m))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

// MarkDelivered 標記訊息為已送達（冪等）
func (s *MessageStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return mongo.ErrNoDocuments
	}

	if !m.Delivered {
		m.Delivered = true
		deliveredAt := at
		m.DeliveredAt = &deliveredAt
		m.UpdatedAt = at
	}

	return nil
}

// MarkRead 標記訊息為已讀（冪等）
func (s *MessageStore) MarkRead(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return mongo.ErrNoDocuments
	}

	if !m.Read {
		m.Read = true
		readAt := at
		m.ReadAt = &readAt
		m.UpdatedAt = at
	}

	return nil
}

// MarkConversationRead 批量標記會話中發給接收方的未讀訊息
// 先補齊送達狀態再標記已讀，返回本次標記為已讀的訊息數
func (s *MessageStore) MarkConversationRead(_ context.Context, conversationID, recipientID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.RecipientID != recipientID {
			continue
		}
		if !m.Delivered {
			m.Delivered = true
			deliveredAt := at
			m.DeliveredAt = &deliveredAt
			m.UpdatedAt = at
		}
		if !m.Read {
			m.Read = true
			readAt := at
			m.ReadAt = &readAt
			m.UpdatedAt = at
			marked++
		}
	}

	return marked, nil
}

// MarkConversationDelivered 批量補齊會話中發給接收方的送達狀態
func (s *MessageStore) MarkConversationDelivered(_ context.Context, conversationID, recipientID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.RecipientID != recipientID {
			continue
		}
		if !m.Delivered {
			m.Delivered = true
			deliveredAt := at
			m.DeliveredAt = &deliveredAt
			m.UpdatedAt = at
			marked++
		}
	}

	return marked, nil
}

// DeleteDisappeared 刪除到期的閱後即焚訊息
func (s *MessageStore) DeleteDisappeared(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.messages {
		if m.DisappearAt != nil && !now.Before(*m.DisappearAt) {
			delete(s.messages, id)
			deleted++
		}
	}

	return deleted, nil
}
