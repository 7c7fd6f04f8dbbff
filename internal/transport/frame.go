// Package transport is the peer-to-peer data plane: direct WebSocket links
// between devices, encrypted end to end with session keys from an X25519
// handshake. The coordinator only relays dial addresses; chunk bytes never
// touch it.
package transport

import "encoding/json"

// Frame is the envelope for peer-to-peer traffic. Every frame after the
// handshake travels sealed inside a binary WebSocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types.
const (
	FrameChunkRequest = "chunk_request"
	FrameChunkData    = "chunk_data"
	FrameAvailability = "availability"
)

// ChunkRequestPayload asks a seeder for one chunk of a file.
type ChunkRequestPayload struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// ChunkDataPayload carries one encrypted chunk, or an error code when the
// seeder refuses. IV and Ciphertext are the chunk's own AES-GCM sealing done
// by the original uploader; the transport layer never sees plaintext.
type ChunkDataPayload struct {
	FileID        string `json:"file_id"`
	Index         int    `json:"index"`
	IV            []byte `json:"iv,omitempty"`
	Ciphertext    []byte `json:"ciphertext,omitempty"`
	PlaintextHash string `json:"plaintext_hash,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AvailabilityPayload advertises which chunks the sender holds, so peers in
// the same swarm can schedule around it.
type AvailabilityPayload struct {
	FileID string `json:"file_id"`
	Chunks []int  `json:"chunks"`
}

// hello is the cleartext first message on a new link. It identifies the
// device and carries its ephemeral X25519 public key for the session.
type hello struct {
	Principal string `json:"principal"`
	Device    string `json:"device"`
	PublicKey []byte `json:"public_key"`
}
