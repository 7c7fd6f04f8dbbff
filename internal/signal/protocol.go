// Package signal implements the coordinator signaling channel: one
// persistent WebSocket per online device, carrying registry calls and opaque
// transport negotiation relays, plus server-to-client availability pushes.
package signal

import "encoding/json"

// Message is the JSON envelope for client-to-server traffic. ID correlates a
// request with its response; pushes from the server carry no ID.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the JSON envelope for server-to-client traffic: replies (ID
// set) and pushes (ID empty). Error carries a wire code from codes.go.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server message types.
const (
	MsgHello        = "hello"
	MsgAnnounce     = "announce"
	MsgUpdateChunks = "update_chunks"
	MsgGetInfo      = "get_info"
	MsgListSeeders  = "list_seeders"
	MsgShareUpdate  = "share_update"
	MsgRelay        = "relay"
)

// Server-to-client response and push types.
const (
	RespWelcome  = "welcome"
	RespFileInfo = "file_info"
	RespSeeders  = "seeders"
	RespAck      = "ack"
	RespError    = "error"

	PushFileAvailable  = "file_available"
	PushSeedersUpdate  = "seeders_update"
	PushUploaderOnline = "uploader_online"
	PushRelay          = "relay"
)

// Relay payload kinds; the body is never inspected by the coordinator.
const (
	RelayOffer  = "offer"
	RelayAnswer = "answer"
	RelayIce    = "ice"
)

// HelloPayload identifies the connecting device. It must be the first
// message on a new connection.
type HelloPayload struct {
	Principal string `json:"principal"`
	Device    string `json:"device"`
}

// AnnouncePayload registers the caller as a seeder.
type AnnouncePayload struct {
	FileID      string   `json:"file_id"`
	FileSize    int64    `json:"file_size"`
	ChunkSize   int      `json:"chunk_size"`
	ChunkCount  int      `json:"chunk_count"`
	Checksum    string   `json:"checksum"`
	Chunks      []int    `json:"chunks"`
	ShareWith   []string `json:"share_with,omitempty"`
	UploadSlots int      `json:"upload_slots"`
}

// UpdateChunksPayload reports the caller's current chunk set and how many
// uploads it is serving right now.
type UpdateChunksPayload struct {
	FileID        string `json:"file_id"`
	Chunks        []int  `json:"chunks"`
	ActiveUploads int    `json:"active_uploads,omitempty"`
}

// GetInfoPayload requests a file's read model.
type GetInfoPayload struct {
	FileID string `json:"file_id"`
}

// ShareUpdatePayload adds or revokes authorized principals.
type ShareUpdatePayload struct {
	FileID  string   `json:"file_id"`
	Action  string   `json:"action"` // "add" or "revoke"
	Targets []string `json:"targets"`
}

// RelayPayload carries transport negotiation between two devices. Body is
// opaque to the coordinator; From fields are stamped by the server when
// forwarding so the target knows who to answer.
type RelayPayload struct {
	Kind            string          `json:"kind"`
	FileID          string          `json:"file_id"`
	TargetPrincipal string          `json:"target_principal"`
	TargetDevice    string          `json:"target_device"`
	FromPrincipal   string          `json:"from_principal,omitempty"`
	FromDevice      string          `json:"from_device,omitempty"`
	Body            json.RawMessage `json:"body"`
}

// FileAvailablePayload announces a newly shared file to its audience.
type FileAvailablePayload struct {
	FileID     string `json:"file_id"`
	ChunkCount int    `json:"chunk_count"`
	Checksum   string `json:"checksum"`
}

// SeedersUpdatePayload notifies members that availability changed.
type SeedersUpdatePayload struct {
	FileID       string  `json:"file_id"`
	SeederCount  int     `json:"seeder_count"`
	ChunkQuality float64 `json:"chunk_quality"`
}

// UploaderOnlinePayload notifies members that the file's creator is back.
type UploaderOnlinePayload struct {
	FileID string `json:"file_id"`
}
