package crypto

import (
	"errors"
	"testing"
)

// TestWrapKeyExchangeRoundTrip 測試 X25519 密鑰包裝往返
func TestWrapKeyExchangeRoundTrip(t *testing.T) {
	recipient, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate exchange key pair: %v", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	wrapped, err := WrapKeyExchange(key, recipient.Public)
	if err != nil {
		t.Fatalf("WrapKeyExchange failed: %v", err)
	}

	// 輸出格式: senderPublic(32) || iv(12) || gcmCiphertext(32+16)
	if len(wrapped) != 32+12+32+16 {
		t.Errorf("Wrapped length = %d, want %d", len(wrapped), 32+12+32+16)
	}

	unwrapped, err := UnwrapKeyExchange(wrapped, recipient.Private)
	if err != nil {
		t.Fatalf("UnwrapKeyExchange failed: %v", err)
	}
	defer unwrapped.Destroy()

	if !key.Equal(unwrapped) {
		t.Error("Unwrapped key does not match original")
	}
}

// TestWrapKeyExchangeFreshSender 測試每次包裝使用新的發送方密鑰對
func TestWrapKeyExchangeFreshSender(t *testing.T) {
	recipient, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate exchange key pair: %v", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	first, err := WrapKeyExchange(key, recipient.Public)
	if err != nil {
		t.Fatalf("WrapKeyExchange failed: %v", err)
	}
	second, err := WrapKeyExchange(key, recipient.Public)
	if err != nil {
		t.Fatalf("WrapKeyExchange failed: %v", err)
	}

	// 前 32 bytes 是發送方臨時公鑰，兩次包裝必須不同
	if string(first[:32]) == string(second[:32]) {
		t.Error("Sender ephemeral public key was reused - SECURITY ISSUE!")
	}
}

// TestWrapKeyExchangeInvalidPublicKey 測試非法接收方公鑰
func TestWrapKeyExchangeInvalidPublicKey(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	for _, length := range []int{0, 16, 31, 33, 64} {
		if _, err := WrapKeyExchange(key, make([]byte, length)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("WrapKeyExchange(pub of %d bytes) error = %v, want ErrInvalidKey", length, err)
		}
	}
}

// TestUnwrapKeyExchangeFailureShape 測試解包失敗的單一錯誤形態
func TestUnwrapKeyExchangeFailureShape(t *testing.T) {
	recipient, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate exchange key pair: %v", err)
	}
	other, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate exchange key pair: %v", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	wrapped, err := WrapKeyExchange(key, recipient.Public)
	if err != nil {
		t.Fatalf("WrapKeyExchange failed: %v", err)
	}

	cases := []struct {
		name    string
		wrapped []byte
		private []byte
	}{
		{"wrong private key", wrapped, other.Private},
		{"truncated payload", wrapped[:40], recipient.Private},
		{"empty payload", nil, recipient.Private},
		{"wrong private key length", wrapped, make([]byte, 16)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := UnwrapKeyExchange(tc.wrapped, tc.private); !errors.Is(err, ErrUnwrapFailed) {
				t.Errorf("UnwrapKeyExchange error = %v, want ErrUnwrapFailed", err)
			}
		})
	}

	t.Run("corrupted ciphertext", func(t *testing.T) {
		corrupted := make([]byte, len(wrapped))
		copy(corrupted, wrapped)
		corrupted[len(corrupted)-1] ^= 0x01

		if _, err := UnwrapKeyExchange(corrupted, recipient.Private); !errors.Is(err, ErrUnwrapFailed) {
			t.Errorf("UnwrapKeyExchange(corrupted) error = %v, want ErrUnwrapFailed", err)
		}
	})
}
