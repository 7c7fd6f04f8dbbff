package registry

import (
	"sync"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/access"
	"github.com/ssd-technologies/swarmdrop/internal/bitset"
)

// DeviceKey addresses one device of one principal. Seeders are tracked per
// device because a principal may be online from several devices at once.
type DeviceKey struct {
	Principal string `json:"principal"`
	Device    string `json:"device"`
}

func (k DeviceKey) String() string {
	return k.Principal + "/" + k.Device
}

// SeederState is the coordinator's view of one seeding device.
type SeederState struct {
	Chunks        *bitset.Set
	UploadSlots   int
	ActiveUploads int
	LastSeen      time.Time
}

// LeecherState is the coordinator's view of one downloading principal.
type LeecherState struct {
	Chunks   *bitset.Set
	Progress float64
	LastSeen time.Time
}

// FileRecord is the authoritative per-file record. The registry owns it
// exclusively; all mutation is serialized through mu, scoped to this one
// file so unrelated files never contend.
type FileRecord struct {
	mu sync.Mutex

	FileID        string
	FileSize      int64
	ChunkSize     int
	ChunkCount    int
	Checksum      string
	ChecksumSetBy string
	ChecksumSetAt time.Time
	CreatorID     string
	Shared        *access.List
	Seeders       map[DeviceKey]*SeederState
	Leechers      map[string]*LeecherState

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// touch refreshes activity and pushes the expiry out by ttl. Caller holds mu.
func (f *FileRecord) touch(ttl time.Duration) {
	now := time.Now()
	f.LastActivityAt = now
	f.ExpiresAt = now.Add(ttl)
}

// coverage returns the distinct-chunk union across all seeders as a
// percentage, plus the indexes no seeder currently holds. Caller holds mu.
func (f *FileRecord) coverage() (float64, []int) {
	union := bitset.New(f.ChunkCount)
	for _, s := range f.Seeders {
		for _, i := range s.Chunks.Indexes() {
			union.Set(i)
		}
	}
	if f.ChunkCount == 0 {
		return 0, nil
	}
	quality := float64(union.Count()) / float64(f.ChunkCount) * 100
	return quality, union.Missing()
}

// FileInfo is the read model returned to authorized principals.
type FileInfo struct {
	FileID        string   `json:"file_id"`
	FileSize      int64    `json:"file_size"`
	ChunkSize     int      `json:"chunk_size"`
	ChunkCount    int      `json:"chunk_count"`
	Checksum      string   `json:"checksum"`
	SharedWith    []string `json:"shared_with"`
	SeederCount   int      `json:"seeder_count"`
	ChunkQuality  float64  `json:"chunk_quality"`
	MissingChunks []int    `json:"missing_chunks"`
}

// SeederInfo describes one seeding device to a downloader.
type SeederInfo struct {
	Principal     string `json:"principal"`
	Device        string `json:"device"`
	Chunks        []int  `json:"chunks"`
	UploadSlots   int    `json:"upload_slots"`
	ActiveUploads int    `json:"active_uploads"`
}

// info builds the read model. Caller holds mu.
func (f *FileRecord) info() *FileInfo {
	quality, missing := f.coverage()
	return &FileInfo{
		FileID:        f.FileID,
		FileSize:      f.FileSize,
		ChunkSize:     f.ChunkSize,
		ChunkCount:    f.ChunkCount,
		Checksum:      f.Checksum,
		SharedWith:    f.Shared.Members(),
		SeederCount:   len(f.Seeders),
		ChunkQuality:  quality,
		MissingChunks: missing,
	}
}
