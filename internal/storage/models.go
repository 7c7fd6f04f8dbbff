package storage

// FileStatus is the local lifecycle state of a file on this peer.
type FileStatus string

const (
	StatusUploading   FileStatus = "uploading"
	StatusSeeding     FileStatus = "seeding"
	StatusDownloading FileStatus = "downloading"
	StatusPartial     FileStatus = "partial"
	StatusComplete    FileStatus = "complete"
)

// FileMeta is the locally persisted metadata for one file. File name and
// MIME type deliberately never appear here; they live only in the
// out-of-band envelope and the assembled output path.
type FileMeta struct {
	FileID     string     `json:"file_id"`
	Status     FileStatus `json:"status"`
	Checksum   string     `json:"checksum"`
	ChunkCount int        `json:"chunk_count"`
	ChunkSize  int        `json:"chunk_size"`
	FileSize   int64      `json:"file_size"`
	SharedWith []string   `json:"shared_with"` // cached copy of the coordinator's list
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// SealedKey is a per-file symmetric key encrypted at rest under the local
// passphrase.
type SealedKey struct {
	FileID    string
	Blob      []byte
	Salt      []byte
	Nonce     []byte
	CreatedAt int64
}
