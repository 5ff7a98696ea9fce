package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"cipher-chat/internal/constants"
)

// 臨時密鑰交換（前向保密路徑）
// 接收方發佈單次使用的 X25519 臨時公鑰，發送方以 ECIES 方式包裝對稱密鑰：
// 生成一次性發送方密鑰對，計算共享密鑰，HKDF-SHA256 導出包裝密鑰，AES-256-GCM 封裝
// 長期密鑰洩露不會回溯暴露用過臨時密鑰的歷史消息

// hkdfInfo HKDF 域分隔標籤
var hkdfInfo = []byte("cipher-chat/ephemeral-key-wrap")

// ExchangeKeyPair X25519 臨時密鑰對
type ExchangeKeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateExchangeKeyPair 生成 X25519 密鑰對
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	private := make([]byte, constants.ExchangeKeyLength)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive exchange public key: %w", err)
	}

	return &ExchangeKeyPair{
		Public:  public,
		Private: private,
	}, nil
}

// DestroyPrivate 清零私鑰材料
func (kp *ExchangeKeyPair) DestroyPrivate() {
	if kp != nil {
		Zeroize(kp.Private)
	}
}

// deriveWrappingKey 從 ECDH 共享密鑰導出 AES-256 包裝密鑰
// 調用方負責清零返回的密鑰
func deriveWrappingKey(shared []byte) ([]byte, error) {
	wrappingKey := make([]byte, constants.SymmetricKeyLength)
	if _, err := hkdf.New(sha256.New, shared, nil, hkdfInfo).Read(wrappingKey); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return wrappingKey, nil
}

// WrapKeyExchange 用接收方的臨時 X25519 公鑰包裝對稱密鑰
// 輸出格式: senderPublic(32) || iv(12) || gcmCiphertext
// 公鑰格式錯誤返回 ErrInvalidKey
func WrapKeyExchange(key *SymmetricKey, recipientPublic []byte) ([]byte, error) {
	if len(recipientPublic) != constants.ExchangeKeyLength {
		return nil, fmt.Errorf("%w: exchange public key must be %d bytes", ErrInvalidKey, constants.ExchangeKeyLength)
	}

	sender, err := GenerateExchangeKeyPair()
	if err != nil {
		return nil, err
	}
	defer sender.DestroyPrivate()

	shared, err := curve25519.X25519(sender.Private, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer Zeroize(shared)

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return nil, err
	}
	defer Zeroize(wrappingKey)

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, constants.IVLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	var wrapped []byte
	err = key.WithKeyMaterial(func(material []byte) error {
		sealed := aesGCM.Seal(nil, iv, material, nil)

		wrapped = make([]byte, 0, constants.ExchangeKeyLength+constants.IVLength+len(sealed))
		wrapped = append(wrapped, sender.Public...)
		wrapped = append(wrapped, iv...)
		wrapped = append(wrapped, sealed...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return wrapped, nil
}

// UnwrapKeyExchange 用臨時私鑰解包對稱密鑰
// 格式錯誤、錯誤私鑰、損壞負載一律返回 ErrUnwrapFailed（單一失敗形態）
func UnwrapKeyExchange(wrapped []byte, recipientPrivate []byte) (*SymmetricKey, error) {
	if len(recipientPrivate) != constants.ExchangeKeyLength {
		return nil, ErrUnwrapFailed
	}
	if len(wrapped) <= constants.ExchangeKeyLength+constants.IVLength {
		return nil, ErrUnwrapFailed
	}

	senderPublic := wrapped[:constants.ExchangeKeyLength]
	iv := wrapped[constants.ExchangeKeyLength : constants.ExchangeKeyLength+constants.IVLength]
	sealed := wrapped[constants.ExchangeKeyLength+constants.IVLength:]

	shared, err := curve25519.X25519(recipientPrivate, senderPublic)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	defer Zeroize(shared)

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	defer Zeroize(wrappingKey)

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, ErrUnwrapFailed
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrUnwrapFailed
	}

	material, err := aesGCM.Open(nil, iv, sealed, nil)
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
