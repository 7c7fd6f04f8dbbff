package crypto

import (
	"crypto/rand"
	"fmt"
)

// SealFileKey encrypts a per-file key for storage at rest. The sealing key is
// derived from the local passphrase with argon2id; salt and nonce are
// returned alongside the ciphertext and must be persisted with it.
func SealFileKey(fileKey []byte, passphrase string) (sealed, salt, nonce []byte, err error) {
	salt = GenerateSalt()
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, ChunkNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, fileKey, nil), salt, nonce, nil
}

// OpenFileKey decrypts a sealed per-file key using the local passphrase.
func OpenFileKey(sealed []byte, passphrase string, salt, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	key, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open file key: %w", err)
	}
	return key, nil
}
