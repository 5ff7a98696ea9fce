package constants

import "time"

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 1 << 20 // 1MB
	DefaultRequestTimeout     = 30      // 秒
)

// 分頁相關常數
const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
	MinPageSize        = 1
)

// 訊息相關常數
const (
	// DefaultMaxPlaintextBytes 單則訊息明文大小上限（加密前）
	DefaultMaxPlaintextBytes = 64 << 10 // 64KB
	MaxConversationIDLength  = 100
)

// 加密相關常數
const (
	// SymmetricKeyLength AES-256 密鑰長度
	SymmetricKeyLength = 32
	// IVLength AES-GCM IV 長度（96 bits）
	IVLength = 12
	// RSAKeyBits 長期密鑰交換用 RSA 密鑰長度
	RSAKeyBits = 2048
	// ExchangeKeyLength X25519 公鑰/私鑰長度
	ExchangeKeyLength = 32
	// SecureIDBytes 安全隨機 ID 的熵（256 bits）
	SecureIDBytes = 32
)

// 臨時密鑰相關常數
const (
	// DefaultEphemeralKeyTTL 臨時密鑰有效期
	DefaultEphemeralKeyTTL = 24 * time.Hour
)

// 清理排程相關常數
const (
	// DefaultSweepInterval 過期清理掃描間隔
	DefaultSweepInterval = 5 * time.Minute
)

// 安全設定默認值
const (
	// DefaultDisappearSeconds 閱後即焚默認存活時間（秒）
	DefaultDisappearSeconds = 86400
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)

// MongoDB 查詢相關常數
const (
	DefaultMongoQueryLimit = 20
	MaxMongoQueryLimit     = 100
)
