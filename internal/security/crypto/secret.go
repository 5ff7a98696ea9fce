package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"cipher-chat/internal/constants"
)

// SymmetricKey 對稱密鑰的安全緩衝區
// 密鑰材料只存在於進程內存，Destroy 後清零且不可再使用
// 不要將密鑰材料轉成 string（不可變字符串無法清零）
type SymmetricKey struct {
	material  []byte
	destroyed bool
}

// NewSymmetricKey 從原始字節創建對稱密鑰
// 輸入會被防禦性複製，調用方應在使用完後自行清零原始字節
func NewSymmetricKey(material []byte) (*SymmetricKey, error) {
	if len(material) != constants.SymmetricKeyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, constants.SymmetricKeyLength, len(material))
	}

	keyCopy := make([]byte, len(material))
	copy(keyCopy, material)

	return &SymmetricKey{material: keyCopy}, nil
}

// GenerateSymmetricKey 生成新的 256-bit 隨機對稱密鑰
func GenerateSymmetricKey() (*SymmetricKey, error) {
	material := make([]byte, constants.SymmetricKeyLength)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	key := &SymmetricKey{material: material}
	return key, nil
}

// WithKeyMaterial 作用域內取用密鑰材料
// fn 結束後（包括錯誤和 panic 路徑）工作副本保證被清零，
// fn 不得保留對字節切片的引用
func (k *SymmetricKey) WithKeyMaterial(fn func(material []byte) error) error {
	if k == nil || k.destroyed {
		return fmt.Errorf("%w: key has been destroyed", ErrInvalidKey)
	}

	// 工作副本，保證原始材料不被 fn 修改
	working := make([]byte, len(k.material))
	copy(working, k.material)

	defer Zeroize(working)

	return fn(working)
}

// Destroy 清零並銷毀密鑰材料
// 可重複調用，銷毀後的密鑰不可再用於任何操作
func (k *SymmetricKey) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	Zeroize(k.material)
	k.destroyed = true
}

// Destroyed 檢查密鑰是否已銷毀
func (k *SymmetricKey) Destroyed() bool {
	return k == nil || k.destroyed
}

// Equal 常數時間比較兩個密鑰
func (k *SymmetricKey) Equal(other *SymmetricKey) bool {
	if k == nil || other == nil || k.destroyed || other.destroyed {
		return false
	}
	return subtle.ConstantTimeCompare(k.material, other.material) == 1
}

// Zeroize 清零敏感字節
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
