// Package notify defines the out-of-band key envelope carried by the
// external secure-messaging channel. It is the only place the file name,
// MIME type, and file key exist outside a peer's local storage; the
// coordinator never sees any of it.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KeyEnvelope accompanies a shared file through the secure side channel. The
// recipient cross-checks Checksum against the coordinator's canonical value
// before trusting any bytes, so a forged envelope wastes at most a round
// trip.
type KeyEnvelope struct {
	FileID           string `json:"file_id"`
	FileName         string `json:"file_name"`
	MimeType         string `json:"mime_type"`
	FileSizeBytes    int64  `json:"file_size_bytes"`
	ChunkCount       int    `json:"chunk_count"`
	Checksum         string `json:"checksum"`
	EncryptedFileKey []byte `json:"encrypted_file_key"`
	SenderID         string `json:"sender_id"`
	Timestamp        int64  `json:"timestamp"`
}

// NewKeyEnvelope builds an envelope stamped with the current time.
func NewKeyEnvelope(fileID, fileName, mimeType string, size int64, chunkCount int, checksum string, encryptedKey []byte, senderID string) *KeyEnvelope {
	return &KeyEnvelope{
		FileID:           fileID,
		FileName:         fileName,
		MimeType:         mimeType,
		FileSizeBytes:    size,
		ChunkCount:       chunkCount,
		Checksum:         checksum,
		EncryptedFileKey: encryptedKey,
		SenderID:         senderID,
		Timestamp:        time.Now().Unix(),
	}
}

// Encode serializes the envelope for the secure channel.
func (e *KeyEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeKeyEnvelope parses and validates an envelope received from the
// secure channel.
func DecodeKeyEnvelope(data []byte) (*KeyEnvelope, error) {
	var e KeyEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode key envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks that the envelope carries everything a download needs.
func (e *KeyEnvelope) Validate() error {
	switch {
	case e.FileID == "":
		return errors.New("key envelope: missing file id")
	case e.Checksum == "":
		return errors.New("key envelope: missing checksum")
	case len(e.EncryptedFileKey) == 0:
		return errors.New("key envelope: missing file key")
	case e.ChunkCount <= 0:
		return errors.New("key envelope: invalid chunk count")
	case e.FileSizeBytes <= 0:
		return errors.New("key envelope: invalid file size")
	}
	return nil
}
