package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

// VerifyContentHash reports whether sha256(blob) equals want, the
// integrity check that must pass before a cached or fetched module
// blob is decrypted.
func VerifyContentHash(blob []byte, want [32]byte) bool {
	got := sha256.Sum256(blob)
	return got == want
}

// DecryptModule decrypts a module blob with AES-CFB. The first 16
// bytes of blob are the IV; the remainder is ciphertext. key must be
// 32 bytes (AES-256).
func DecryptModule(blob, key []byte) ([]byte, error) {
	if len(blob) < aes.BlockSize {
		return nil, fmt.Errorf("module blob shorter than one AES block")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	iv := blob[:aes.BlockSize]
	ciphertext := blob[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
