package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	nonceLen     = 12
)

func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func HashPassphrase(passphrase string, salt []byte) string {
	return base64.StdEncoding.EncodeToString(DeriveKey(passphrase, salt))
}

func VerifyPassphrase(passphrase string, salt []byte, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashPassphrase(passphrase, salt)), []byte(storedHash)) == 1
}

// Keychain seals and opens the SFTP passwords stored on company and device
// records.
type Keychain struct {
	key []byte
}

func NewKeychain(passphrase string, salt []byte) *Keychain {
	return &Keychain{key: DeriveKey(passphrase, salt)}
}

func (k *Keychain) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (k *Keychain) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
}
