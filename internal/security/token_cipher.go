package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// TokenCipher はアクセストークン等の機密値を保存前に暗号化する。
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenKeySize は鍵長（バイト）。
const TokenKeySize = chacha20poly1305.KeySize

// xchachaTokenCipher はXChaCha20-Poly1305によるTokenCipherの実装。
// nonceは24バイトの乱数で、暗号文はnonceを先頭に付けたバイト列を16進文字列で表現する。
type xchachaTokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher は32バイトの鍵からTokenCipherを生成する。
func NewTokenCipher(key []byte) (TokenCipher, error) {
	if len(key) != TokenKeySize {
		return nil, fmt.Errorf("token encryption key must be exactly %d bytes, got %d", TokenKeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &xchachaTokenCipher{aead: aead}, nil
}

// Encrypt は平文を暗号化する。空文字列は「値なし」を表すため暗号化せずに返す。
func (c *xchachaTokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt はEncryptで生成された暗号文を復号する。
func (c *xchachaTokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// compile-time interface check
var _ TokenCipher = (*xchachaTokenCipher)(nil)
