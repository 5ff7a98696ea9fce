package crypto

import "errors"

// 加密引擎錯誤分類
// 這些錯誤對單次操作都是致命的，調用方不應以相同輸入重試
var (
	// ErrAuthenticationFailed 認證標籤驗證失敗（密文或 IV 被竄改）
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrInvalidKey 密鑰格式錯誤（長度錯誤、已銷毀、公鑰格式不合法）
	ErrInvalidKey = errors.New("crypto: invalid key")

	// ErrInvalidInput 輸入格式錯誤（IV 長度錯誤、明文超過大小限制）
	ErrInvalidInput = errors.New("crypto: invalid input")

	// ErrUnwrapFailed 密鑰解包失敗
	// 錯誤密鑰、損壞的負載、格式錯誤都返回同一個錯誤，
	// 避免向調用方洩露失敗原因（oracle 攻擊防護）
	ErrUnwrapFailed = errors.New("crypto: key unwrap failed")
)
