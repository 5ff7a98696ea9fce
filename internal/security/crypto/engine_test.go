package crypto

import (
	"bytes"
	"errors"
	"testing"
)

const testPlaintext = "this is a secret message"

// TestEncryptDecryptRoundTrip 測試加密解密往返
func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	ciphertext, iv, err := Encrypt([]byte(testPlaintext), key)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	if len(iv) != 12 {
		t.Errorf("IV length = %d, want 12", len(iv))
	}
	if bytes.Equal(ciphertext, []byte(testPlaintext)) {
		t.Error("Ciphertext equals plaintext - encryption is broken")
	}

	decrypted, err := Decrypt(ciphertext, iv, key)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}

	if !bytes.Equal(decrypted, []byte(testPlaintext)) {
		t.Errorf("Decryption mismatch: got %q, want %q", decrypted, testPlaintext)
	}
}

// TestDecryptTamperDetection 測試竄改檢測
// 密文、IV 任何一個 bit 被改動都必須返回認證失敗，絕不返回損壞的明文
func TestDecryptTamperDetection(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	ciphertext, iv, err := Encrypt([]byte(testPlaintext), key)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[0] ^= 0x01

		if _, err := Decrypt(tampered, iv, key); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Decrypt(tampered ciphertext) error = %v, want ErrAuthenticationFailed", err)
		}
	})

	t.Run("tampered IV", func(t *testing.T) {
		tamperedIV := make([]byte, len(iv))
		copy(tamperedIV, iv)
		tamperedIV[0] ^= 0x01

		if _, err := Decrypt(ciphertext, tamperedIV, key); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Decrypt(tampered IV) error = %v, want ErrAuthenticationFailed", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		wrongKey, err := GenerateSymmetricKey()
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		defer wrongKey.Destroy()

		if _, err := Decrypt(ciphertext, iv, wrongKey); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Decrypt(wrong key) error = %v, want ErrAuthenticationFailed", err)
		}
	})
}

// TestDecryptInvalidIV 測試 IV 長度驗證
func TestDecryptInvalidIV(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	ciphertext, _, err := Encrypt([]byte(testPlaintext), key)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	for _, length := range []int{0, 8, 11, 13, 16} {
		if _, err := Decrypt(ciphertext, make([]byte, length), key); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Decrypt(iv of %d bytes) error = %v, want ErrInvalidInput", length, err)
		}
	}
}

// TestEncryptInputValidation 測試明文輸入驗證
func TestEncryptInputValidation(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	t.Run("empty plaintext", func(t *testing.T) {
		if _, _, err := Encrypt(nil, key); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Encrypt(nil) error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("oversized plaintext", func(t *testing.T) {
		huge := make([]byte, 64<<10+1)
		if _, _, err := Encrypt(huge, key); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Encrypt(oversized) error = %v, want ErrInvalidInput", err)
		}
	})
}

// TestIVUniqueness 測試 IV 的唯一性
// 同一密鑰下大量加密，IV 絕不重複
func TestIVUniqueness(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	const rounds = 10000
	seen := make(map[string]struct{}, rounds)

	for i := 0; i < rounds; i++ {
		_, iv, err := Encrypt([]byte(testPlaintext), key)
		if err != nil {
			t.Fatalf("Encryption %d failed: %v", i, err)
		}
		if _, ok := seen[string(iv)]; ok {
			t.Fatalf("Duplicate IV at round %d - SECURITY ISSUE!", i)
		}
		seen[string(iv)] = struct{}{}
	}

	t.Logf("✓ All %d IVs are unique - IV generation is secure", rounds)
}

// TestWrapUnwrapRoundTrip 測試 RSA-OAEP 密鑰包裝往返
func TestWrapUnwrapRoundTrip(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	wrapped, err := WrapKey(key, keyPair.Public)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	unwrapped, err := UnwrapKey(wrapped, keyPair.Private)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	defer unwrapped.Destroy()

	if !key.Equal(unwrapped) {
		t.Error("Unwrapped key does not match original")
	}
}

// TestUnwrapFailureShape 測試解包失敗的單一錯誤形態
// 錯誤私鑰與損壞負載必須返回同一個錯誤，不洩露失敗原因
func TestUnwrapFailureShape(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	otherPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	wrapped, err := WrapKey(key, keyPair.Public)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	t.Run("wrong private key", func(t *testing.T) {
		if _, err := UnwrapKey(wrapped, otherPair.Private); !errors.Is(err, ErrUnwrapFailed) {
			t.Errorf("UnwrapKey(wrong key) error = %v, want ErrUnwrapFailed", err)
		}
	})

	t.Run("corrupted payload", func(t *testing.T) {
		corrupted := make([]byte, len(wrapped))
		copy(corrupted, wrapped)
		corrupted[len(corrupted)/2] ^= 0xFF

		if _, err := UnwrapKey(corrupted, keyPair.Private); !errors.Is(err, ErrUnwrapFailed) {
			t.Errorf("UnwrapKey(corrupted) error = %v, want ErrUnwrapFailed", err)
		}
	})

	t.Run("nil private key", func(t *testing.T) {
		if _, err := UnwrapKey(wrapped, nil); !errors.Is(err, ErrUnwrapFailed) {
			t.Errorf("UnwrapKey(nil key) error = %v, want ErrUnwrapFailed", err)
		}
	})
}

// TestExportImportPublicKey 測試公鑰導出導入往返
func TestExportImportPublicKey(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	encoded, err := ExportPublicKey(keyPair.Public)
	if err != nil {
		t.Fatalf("ExportPublicKey failed: %v", err)
	}

	imported, err := ImportPublicKey(encoded)
	if err != nil {
		t.Fatalf("ImportPublicKey failed: %v", err)
	}

	if imported.N.Cmp(keyPair.Public.N) != 0 || imported.E != keyPair.Public.E {
		t.Error("Imported public key does not match original")
	}

	// 導入後的公鑰必須可用於包裝
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	wrapped, err := WrapKey(key, imported)
	if err != nil {
		t.Fatalf("WrapKey with imported key failed: %v", err)
	}

	unwrapped, err := UnwrapKey(wrapped, keyPair.Private)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	defer unwrapped.Destroy()

	if !key.Equal(unwrapped) {
		t.Error("Round trip through exported key failed")
	}
}

// TestImportPublicKeyInvalid 測試非法公鑰導入
func TestImportPublicKeyInvalid(t *testing.T) {
	cases := []struct {
		name    string
		encoded string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"not DER", "aGVsbG8gd29ybGQ="},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ImportPublicKey(tc.encoded); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ImportPublicKey(%q) error = %v, want ErrInvalidKey", tc.encoded, err)
			}
		})
	}
}

// TestDestroyedKeyRejected 測試已銷毀密鑰不可再用
func TestDestroyedKeyRejected(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	key.Destroy()
	if !key.Destroyed() {
		t.Fatal("Destroyed() = false after Destroy")
	}

	if _, _, err := Encrypt([]byte(testPlaintext), key); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Encrypt(destroyed key) error = %v, want ErrInvalidKey", err)
	}

	// 重複銷毀不應 panic
	key.Destroy()
}

// TestSecureRandomIDUniqueness 測試安全隨機 ID 的唯一性
func TestSecureRandomIDUniqueness(t *testing.T) {
	const rounds = 1000
	seen := make(map[string]struct{}, rounds)

	for i := 0; i < rounds; i++ {
		id, err := SecureRandomID()
		if err != nil {
			t.Fatalf("SecureRandomID failed: %v", err)
		}
		if id == "" {
			t.Fatal("SecureRandomID returned empty string")
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("Duplicate ID at round %d", i)
		}
		seen[id] = struct{}{}
	}
}

// TestHash 測試 SHA-256 雜湊
func TestHash(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	c := Hash([]byte("world"))

	if len(a) != 32 {
		t.Errorf("Hash length = %d, want 32", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Error("Hash is not deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("Different inputs produced the same hash")
	}
}

// BenchmarkEncrypt 加密性能基準
func BenchmarkEncrypt(b *testing.B) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		b.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	plaintext := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Encrypt(plaintext, key); err != nil {
			b.Fatalf("Encryption failed: %v", err)
		}
	}
}
