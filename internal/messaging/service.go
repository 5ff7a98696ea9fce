// Package messaging 組合加密引擎、臨時密鑰管理與訊息生命週期，
// 提供端到端加密訊息的核心操作：發送、接收解密、送達/已讀確認、密鑰簽發
package messaging

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cipher-chat/internal/message"
	"cipher-chat/internal/platform/logger"
	"cipher-chat/internal/security/crypto"
	"cipher-chat/internal/security/keymanager"
	"cipher-chat/internal/storage/database/conversation"
	"cipher-chat/internal/storage/database/user"
)

var (
	// ErrUnableToDecrypt 接收端解密失敗
	// 密鑰缺失、解包失敗、認證失敗都返回同一個錯誤，
	// 失敗原因只記錄在日誌，不向調用方洩露
	ErrUnableToDecrypt = errors.New("messaging: unable to decrypt message")

	// ErrSenderNotVerified 接收方要求身份驗證而發送方未通過
	ErrSenderNotVerified = errors.New("messaging: recipient requires a verified sender")
)

// RecipientKeys 接收方的解密密鑰集合（只存在於接收方進程）
// Exchange 以臨時密鑰 ID 索引持有方設備上的 X25519 私鑰
type RecipientKeys struct {
	RSAPrivate *rsa.PrivateKey
	Exchange   map[string][]byte
}

// KeyBundle 供發送方查詢的接收方公鑰摘要
type KeyBundle struct {
	UserID              string `json:"user_id"`
	EncryptionPublicKey string `json:"encryption_public_key,omitempty"`
	UsableEphemeralKeys int    `json:"usable_ephemeral_keys"`
	Verified            bool   `json:"verified"`
}

// Service 端到端加密訊息服務
type Service struct {
	users    user.Repository
	keys     *keymanager.Manager
	messages *message.Controller
}

// NewService 創建訊息服務
func NewService(users user.Repository, keys *keymanager.Manager, messages *message.Controller) *Service {
	return &Service{
		users:    users,
		keys:     keys,
		messages: messages,
	}
}

// SendMessage 發送端到端加密訊息
// 優先選取接收方的臨時密鑰包裝對稱密鑰（前向保密），
// 密鑰池耗盡時回退到接收方長期公鑰；兩者都沒有時返回 ErrNoUsableKey
// 接收方要求身份驗證時，發送方必須已通過驗證
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, conversationID string, plaintext []byte, messageType string) (*conversation.Message, error) {
	recipient, err := s.users.GetByID(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	if recipient.SecuritySettings.RequireIdentityVerification {
		sender, err := s.users.GetByID(ctx, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sender: %w", err)
		}
		if !sender.Verified {
			return nil, ErrSenderNotVerified
		}
	}

	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	ciphertext, iv, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}

	var wrapped []byte
	var ephemeralKeyID string

	ephemeral, err := s.keys.SelectUsable(ctx, recipientID)
	switch {
	case err == nil:
		recipientPublic, decodeErr := base64.StdEncoding.DecodeString(ephemeral.PublicKey)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: malformed ephemeral public key", crypto.ErrInvalidKey)
		}
		wrapped, err = crypto.WrapKeyExchange(key, recipientPublic)
		if err != nil {
			return nil, err
		}
		ephemeralKeyID = ephemeral.ID

	case errors.Is(err, keymanager.ErrNoUsableKey):
		// 回退到長期密鑰路徑
		if recipient.EncryptionPublicKey == "" {
			return nil, keymanager.ErrNoUsableKey
		}
		recipientPublic, importErr := crypto.ImportPublicKey(recipient.EncryptionPublicKey)
		if importErr != nil {
			return nil, importErr
		}
		wrapped, err = crypto.WrapKey(key, recipientPublic)
		if err != nil {
			return nil, err
		}
		logger.Debug(ctx, "ephemeral pool empty, wrapped with long-term key",
			logger.WithUserID(recipientID),
			logger.WithAction("send_fallback_longterm"),
		)

	default:
		return nil, err
	}

	msg := &conversation.Message{
		ConversationID:   conversationID,
		SenderID:         senderID,
		RecipientID:      recipientID,
		EncryptedContent: base64.StdEncoding.EncodeToString(ciphertext),
		IV:               base64.StdEncoding.EncodeToString(iv),
		WrappedKey:       base64.StdEncoding.EncodeToString(wrapped),
		EphemeralKeyID:   ephemeralKeyID,
		MessageType:      messageType,
	}

	if err := s.messages.Create(ctx, msg, recipient.SecuritySettings); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	logger.Info(ctx, "message sent",
		logger.WithUserID(senderID),
		logger.WithConversationID(conversationID),
		logger.WithMessageID(msg.ID),
		logger.WithAction("message_send"),
	)

	return msg, nil
}

// ReceiveAndDecrypt 接收端解密訊息
// EphemeralKeyID 非空時以對應的 X25519 私鑰解包，否則以長期 RSA 私鑰解包
// 任何失敗（密鑰缺失、解包失敗、認證失敗、編碼損壞）都返回 ErrUnableToDecrypt
func (s *Service) ReceiveAndDecrypt(ctx context.Context, msg *conversation.Message, keys *RecipientKeys) ([]byte, error) {
	if msg == nil || keys == nil {
		return nil, ErrUnableToDecrypt
	}

	wrapped, err := base64.StdEncoding.DecodeString(msg.WrappedKey)
	if err != nil {
		logger.Warning(ctx, "malformed wrapped key encoding",
			logger.WithMessageID(msg.ID),
			logger.WithAction("message_decrypt"),
		)
		return nil, ErrUnableToDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, ErrUnableToDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.EncryptedContent)
	if err != nil {
		return nil, ErrUnableToDecrypt
	}

	var key *crypto.SymmetricKey
	if msg.EphemeralKeyID != "" {
		private, ok := keys.Exchange[msg.EphemeralKeyID]
		if !ok {
			logger.Warning(ctx, "no exchange private key for message",
				logger.WithMessageID(msg.ID),
				logger.WithKeyID(msg.EphemeralKeyID),
				logger.WithAction("message_decrypt"),
			)
			return nil, ErrUnableToDecrypt
		}
		key, err = crypto.UnwrapKeyExchange(wrapped, private)
	} else {
		key, err = crypto.UnwrapKey(wrapped, keys.RSAPrivate)
	}
	if err != nil {
		logger.Warning(ctx, "key unwrap failed",
			logger.WithMessageID(msg.ID),
			logger.WithAction("message_decrypt"),
		)
		return nil, ErrUnableToDecrypt
	}
	defer key.Destroy()

	plaintext, err := crypto.Decrypt(ciphertext, iv, key)
	if err != nil {
		logger.Warning(ctx, "message authentication failed",
			logger.WithMessageID(msg.ID),
			logger.WithAction("message_decrypt"),
		)
		return nil, ErrUnableToDecrypt
	}

	return plaintext, nil
}

// AckDelivered 確認訊息送達
func (s *Service) AckDelivered(ctx context.Context, messageID string) error {
	return s.messages.MarkDelivered(ctx, messageID)
}

// AckRead 確認會話已讀
// 接收方關閉已讀回執時只補齊送達狀態，不記錄已讀
func (s *Service) AckRead(ctx context.Context, conversationID, recipientID string) (int64, error) {
	recipient, err := s.users.GetByID(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to load recipient: %w", err)
	}

	if !recipient.SecuritySettings.EnableReadReceipts {
		if _, err := s.messages.MarkConversationDelivered(ctx, conversationID, recipientID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	return s.messages.MarkConversationRead(ctx, conversationID, recipientID)
}

// ListByConversation 按會話分頁查詢訊息（新訊息在前）
func (s *Service) ListByConversation(ctx context.Context, conversationID string, limit int, cursor string) ([]*conversation.Message, string, bool, error) {
	return s.messages.ListByConversation(ctx, conversationID, limit, cursor)
}

// ListUndelivered 查詢接收方的未送達訊息（舊訊息在前）
func (s *Service) ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*conversation.Message, error) {
	return s.messages.ListUndelivered(ctx, recipientID, limit)
}

// IssueEphemeralKey 為用戶分配新的臨時密鑰條目
func (s *Service) IssueEphemeralKey(ctx context.Context, ownerID string) (*user.EphemeralKey, error) {
	return s.keys.Allocate(ctx, ownerID)
}

// AttachEphemeralPublicKey 附加持有方生成的臨時公鑰
func (s *Service) AttachEphemeralPublicKey(ctx context.Context, ownerID, keyID, publicKey string) error {
	return s.keys.AttachPublicKey(ctx, ownerID, keyID, publicKey)
}

// GetKeyBundle 查詢接收方的公鑰摘要（發送方據此判斷可用的包裝路徑）
func (s *Service) GetKeyBundle(ctx context.Context, userID string) (*KeyBundle, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	usable := 0
	for i := range u.EphemeralKeys {
		if u.EphemeralKeys[i].Usable(now) {
			usable++
		}
	}

	return &KeyBundle{
		UserID:              u.ID,
		EncryptionPublicKey: u.EncryptionPublicKey,
		UsableEphemeralKeys: usable,
		Verified:            u.Verified,
	}, nil
}
