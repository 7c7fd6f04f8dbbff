package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader computes the whole-file SHA-256 hex digest by streaming r.
func ChecksumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumEqual compares two hex digests in constant time.
func ChecksumEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Verifier incrementally hashes assembled file content so the whole-file
// checksum can be computed during assembly without a second pass.
type Verifier struct {
	h hash.Hash
}

// NewVerifier returns a Verifier ready to consume decrypted chunks in order.
func NewVerifier() *Verifier {
	return &Verifier{h: sha256.New()}
}

// Write feeds the next run of plaintext into the running hash.
func (v *Verifier) Write(p []byte) (int, error) {
	return v.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (v *Verifier) Sum() string {
	return hex.EncodeToString(v.h.Sum(nil))
}
