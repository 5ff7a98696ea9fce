package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"

	"cipher-chat/internal/constants"
	"cipher-chat/internal/platform/config"
)

// 加密引擎
// 所有操作對其顯式輸入都是純函數，引擎本身不持有任何可變狀態
// 對稱加密使用 AES-256-GCM（96-bit IV，每次加密重新隨機生成）
// 密鑰交換使用 RSA-2048 OAEP（長期密鑰）與 X25519（臨時密鑰，見 exchange.go）

// KeyPair 長期非對稱密鑰對
// 私鑰永遠不離開持有方的進程，公鑰導出後存儲於服務端供查詢
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair 生成 RSA-2048 密鑰交換密鑰對
func GenerateKeyPair() (*KeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, constants.RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		Public:  &private.PublicKey,
		Private: private,
	}, nil
}

// maxPlaintextBytes 從配置讀取明文大小上限
func maxPlaintextBytes() int {
	cfg := config.Get()
	if cfg != nil && cfg.Security.Encryption.MaxPlaintextBytes > 0 {
		return cfg.Security.Encryption.MaxPlaintextBytes
	}
	return constants.DefaultMaxPlaintextBytes
}

// Encrypt 認證加密
// 每次調用生成新的隨機 96-bit IV，同一密鑰下 IV 絕不重複使用
// 密文與 IV 必須一起傳輸，解密時兩者缺一不可
func Encrypt(plaintext []byte, key *SymmetricKey) (ciphertext, iv []byte, err error) {
	if len(plaintext) == 0 {
		return nil, nil, fmt.Errorf("%w: plaintext cannot be empty", ErrInvalidInput)
	}
	if len(plaintext) > maxPlaintextBytes() {
		return nil, nil, fmt.Errorf("%w: plaintext exceeds %d bytes", ErrInvalidInput, maxPlaintextBytes())
	}

	err = key.WithKeyMaterial(func(material []byte) error {
		block, cerr := aes.NewCipher(material)
		if cerr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, cerr)
		}

		aesGCM, cerr := cipher.NewGCM(block)
		if cerr != nil {
			return fmt.Errorf("failed to create GCM: %w", cerr)
		}

		iv = make([]byte, constants.IVLength)
		if _, cerr := io.ReadFull(rand.Reader, iv); cerr != nil {
			return fmt.Errorf("failed to generate IV: %w", cerr)
		}

		ciphertext = aesGCM.Seal(nil, iv, plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return ciphertext, iv, nil
}

// Decrypt 認證解密
// IV 長度錯誤返回 ErrInvalidInput；
// 認證標籤不匹配（密文或 IV 被竄改、密鑰錯誤）返回 ErrAuthenticationFailed，
// 絕不靜默返回損壞的明文
func Decrypt(ciphertext, iv []byte, key *SymmetricKey) ([]byte, error) {
	if len(iv) != constants.IVLength {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", ErrInvalidInput, constants.IVLength, len(iv))
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", ErrInvalidInput)
	}

	var plaintext []byte
	err := key.WithKeyMaterial(func(material []byte) error {
		block, cerr := aes.NewCipher(material)
		if cerr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, cerr)
		}

		aesGCM, cerr := cipher.NewGCM(block)
		if cerr != nil {
			return fmt.Errorf("failed to create GCM: %w", cerr)
		}

		opened, cerr := aesGCM.Open(nil, iv, ciphertext, nil)
		if cerr != nil {
			return ErrAuthenticationFailed
		}
		plaintext = opened
		return nil
	})
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// WrapKey 用接收方長期公鑰包裝對稱密鑰（RSA-OAEP-SHA256）
func WrapKey(key *SymmetricKey, recipientPublicKey *rsa.PublicKey) ([]byte, error) {
	if recipientPublicKey == nil || recipientPublicKey.N == nil {
		return nil, fmt.Errorf("%w: recipient public key is missing", ErrInvalidKey)
	}
	if recipientPublicKey.Size() < constants.RSAKeyBits/8 {
		return nil, fmt.Errorf("%w: recipient public key is too small", ErrInvalidKey)
	}

	var wrapped []byte
	err := key.WithKeyMaterial(func(material []byte) error {
		out, werr := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientPublicKey, material, nil)
		if werr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, werr)
		}
		wrapped = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	return wrapped, nil
}

// UnwrapKey 用自己的長期私鑰解包對稱密鑰
// 錯誤密鑰與損壞負載返回同一個 ErrUnwrapFailed：
// 標準庫的 OAEP 解碼是常數時間實現，失敗形態對外不可區分
func UnwrapKey(wrapped []byte, ownPrivateKey *rsa.PrivateKey) (*SymmetricKey, error) {
	if ownPrivateKey == nil {
		return nil, ErrUnwrapFailed
	}

	material, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, ownPrivateKey, wrapped, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	defer Zeroize(material)

	key, err := NewSymmetricKey(material)
	if err != nil {
		return nil, ErrUnwrapFailed
	}

	return key, nil
}

// ExportPublicKey 導出公鑰為規範字節串（SPKI DER，base64 編碼）
// 對所有有效密鑰滿足 ImportPublicKey(ExportPublicKey(k)) == k
func ExportPublicKey(publicKey *rsa.PublicKey) (string, error) {
	if publicKey == nil || publicKey.N == nil {
		return "", fmt.Errorf("%w: public key is missing", ErrInvalidKey)
	}

	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKey 從規範字節串導入公鑰
func ImportPublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidKey, err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
	}

	return publicKey, nil
}

// SecureRandomID 生成加密安全的隨機 ID（256 bits 熵）
func SecureRandomID() (string, error) {
	buf := make([]byte, constants.SecureIDBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash SHA-256 雜湊
// 僅用於完整性標記與 ID 派生，不可用於密碼類場景
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
