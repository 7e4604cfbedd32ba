package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	pbkdf2Iterations = 4096
)

func gcmFromPassword(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fail to create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals src with a key derived from password.
// Output layout is base64(salt | nonce | ciphertext).
func Encrypt(password, src string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("encryption password is empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("fail to generate salt: %w", err)
	}
	gcm, err := gcmFromPassword(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fail to generate nonce: %w", err)
	}
	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(src), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func Decrypt(password string, src string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(src)
	if err != nil {
		return "", fmt.Errorf("fail to decode ciphertext: %w", err)
	}
	if len(raw) < saltSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	salt, rest := raw[:saltSize], raw[saltSize:]
	gcm, err := gcmFromPassword(password, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("fail to open ciphertext: %w", err)
	}
	return string(plaintext), nil
}
