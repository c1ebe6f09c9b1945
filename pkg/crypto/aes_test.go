package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAESCrypto(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr error
	}{
		{
			name:    "valid 32 byte key",
			key:     []byte("12345678901234567890123456789012"),
			wantErr: nil,
		},
		{
			name:    "invalid 16 byte key",
			key:     []byte("1234567890123456"),
			wantErr: ErrInvalidKeySize,
		},
		{
			name:    "invalid 24 byte key",
			key:     []byte("123456789012345678901234"),
			wantErr: ErrInvalidKeySize,
		},
		{
			name:    "invalid empty key",
			key:     []byte(""),
			wantErr: ErrInvalidKeySize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crypto, err := NewAESCrypto(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, crypto)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, crypto)
			}
		})
	}
}

func TestAESCrypto_EncryptDecrypt(t *testing.T) {
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes
	crypto, err := NewAESCrypto(key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "simple text",
			plaintext: "Hello, World!",
		},
		{
			name:      "empty string",
			plaintext: "",
		},
		{
			name:      "long text",
			plaintext: strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 100),
		},
		{
			name:      "special characters",
			plaintext: "unicode test 测试 !@#$%^&*()_+-=[]{}|;':\",./<>?",
		},
		{
			name:      "state payload",
			plaintext: `{"messages":[{"role":"user","content":"hello"}],"step":3,"workflow_status":"running"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := crypto.Encrypt(tt.plaintext)
			require.NoError(t, err)

			// Empty plaintext round-trips to empty
			if tt.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}

			assert.NotEqual(t, tt.plaintext, ciphertext)
			assert.NotEmpty(t, ciphertext)

			decrypted, err := crypto.Decrypt(ciphertext)
			require.NoError(t, err)

			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestAESCrypto_EncryptRandomness(t *testing.T) {
	// Same plaintext must not encrypt to the same ciphertext twice
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes
	crypto, err := NewAESCrypto(key)
	require.NoError(t, err)

	plaintext := "test plaintext for randomness"

	ciphertexts := make([]string, 10)
	for i := 0; i < 10; i++ {
		ciphertext, err := crypto.Encrypt(plaintext)
		require.NoError(t, err)
		ciphertexts[i] = ciphertext
	}

	for i := 0; i < len(ciphertexts); i++ {
		for j := i + 1; j < len(ciphertexts); j++ {
			assert.NotEqual(t, ciphertexts[i], ciphertexts[j],
				"encryption should produce different ciphertexts for same plaintext (nonce randomness)")
		}
	}

	for i, ciphertext := range ciphertexts {
		decrypted, err := crypto.Decrypt(ciphertext)
		require.NoError(t, err, "decryption %d failed", i)
		assert.Equal(t, plaintext, decrypted, "decryption %d mismatch", i)
	}
}

func TestAESCrypto_DecryptErrors(t *testing.T) {
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes
	crypto, err := NewAESCrypto(key)
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
		wantErr    error
	}{
		{
			name:       "empty ciphertext",
			ciphertext: "",
			wantErr:    nil,
		},
		{
			name:       "invalid base64",
			ciphertext: "not-valid-base64!!!",
			wantErr:    nil, // wrapped base64 error
		},
		{
			name:       "too short ciphertext",
			ciphertext: "dGVzdA==", // "test" in base64, too short
			wantErr:    ErrInvalidCiphertext,
		},
		{
			name:       "tampered ciphertext",
			ciphertext: "YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXoxMjM0NTY3ODkwYWJjZGVmZ2g=",
			wantErr:    ErrDecryptionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decrypted, err := crypto.Decrypt(tt.ciphertext)
			if tt.name == "empty ciphertext" {
				assert.NoError(t, err)
				assert.Equal(t, "", decrypted)
			} else if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAESCrypto_DecryptWithWrongKey(t *testing.T) {
	key1 := []byte("aaaabbbbccccddddeeeeffffgggghhhh") // Exactly 32 bytes
	crypto1, err := NewAESCrypto(key1)
	require.NoError(t, err)

	plaintext := "secret data"
	ciphertext, err := crypto1.Encrypt(plaintext)
	require.NoError(t, err)

	key2 := []byte("11112222333344445555666677778888") // Exactly 32 bytes
	crypto2, err := NewAESCrypto(key2)
	require.NoError(t, err)

	decrypted, err := crypto2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Empty(t, decrypted)
}

func BenchmarkAESCrypto_Encrypt(b *testing.B) {
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes
	crypto, _ := NewAESCrypto(key)
	plaintext := "test data for benchmarking encryption performance"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = crypto.Encrypt(plaintext)
	}
}

func BenchmarkAESCrypto_Decrypt(b *testing.B) {
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes
	crypto, _ := NewAESCrypto(key)
	plaintext := "test data for benchmarking decryption performance"
	ciphertext, _ := crypto.Encrypt(plaintext)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = crypto.Decrypt(ciphertext)
	}
}
