package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// FileKeyLen is the length in bytes of a per-file symmetric key (AES-256).
	FileKeyLen = 32
	// ChunkNonceLen is the GCM nonce length used for chunk encryption.
	ChunkNonceLen = 12
)

// EncryptedChunk is a single encrypted chunk of a file. The ciphertext
// includes the 16-byte GCM authentication tag. PlaintextHash is the SHA-256
// hex digest of the chunk plaintext, used for content-addressed verification
// before assembly.
type EncryptedChunk struct {
	FileID        string `json:"file_id"`
	Index         int    `json:"index"`
	IV            []byte `json:"iv"`
	Ciphertext    []byte `json:"ciphertext"`
	PlaintextHash string `json:"plaintext_hash"`
}

// GenerateFileKey returns a fresh random per-file symmetric key. The key is
// only ever shared through the out-of-band secure channel; the coordinator
// never sees it.
func GenerateFileKey() ([]byte, error) {
	key := make([]byte, FileKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate file key: %w", err)
	}
	return key, nil
}

// EncryptChunk encrypts one chunk of plaintext under the file key with
// AES-256-GCM, using a fresh nonce per chunk.
func EncryptChunk(key []byte, fileID string, index int, plaintext []byte) (*EncryptedChunk, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ChunkNonceLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &EncryptedChunk{
		FileID:        fileID,
		Index:         index,
		IV:            iv,
		Ciphertext:    gcm.Seal(nil, iv, plaintext, chunkAAD(fileID, index)),
		PlaintextHash: HashBytes(plaintext),
	}, nil
}

// DecryptChunk decrypts a chunk and authenticates it against the file key.
// The fileID and index are bound into the AAD, so a chunk replayed under a
// different file or position fails to open.
func DecryptChunk(key []byte, c *EncryptedChunk) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, c.IV, c.Ciphertext, chunkAAD(c.FileID, c.Index))
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk %d: %w", c.Index, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

func chunkAAD(fileID string, index int) []byte {
	return []byte(fmt.Sprintf("%s:%d", fileID, index))
}
