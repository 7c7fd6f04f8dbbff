// Package registry is the coordinator-resident file registry: the
// authoritative record of metadata, seeder/leecher rosters, chunk
// availability, and access lists. File bytes never pass through it.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/access"
	"github.com/ssd-technologies/swarmdrop/internal/bitset"
)

// Config bounds registry behavior.
type Config struct {
	// MaxShareSize bounds the sharedWith set per file. <= 0 means unbounded.
	MaxShareSize int
	// RecordTTL is how long a record survives without any announce or
	// download activity before the sweep removes it.
	RecordTTL time.Duration
}

// DefaultRecordTTL is applied when Config.RecordTTL is zero.
const DefaultRecordTTL = 30 * 24 * time.Hour

// Registry is an arena of FileRecords keyed by fileID. The outer map is
// guarded by a read-write mutex; each record serializes its own mutations,
// so no lock ever spans more than one file.
type Registry struct {
	mu    sync.RWMutex
	files map[string]*FileRecord
	cfg   Config
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	return &Registry{
		files: make(map[string]*FileRecord),
		cfg:   cfg,
	}
}

// AnnounceRequest carries one announce call.
type AnnounceRequest struct {
	Principal   string
	Device      string
	FileID      string
	FileSize    int64
	ChunkSize   int
	ChunkCount  int
	Checksum    string
	Chunks      []int
	ShareWith   []string
	UploadSlots int
}

// Announce registers the caller as a seeder for a file. The first announce
// for an unseen fileID creates the record, fixes the creator, and sets the
// canonical checksum; the returned boolean reports creation. Later announces
// must present the identical checksum or the call is rejected outright; a
// differing announce is never merged.
func (r *Registry) Announce(req AnnounceRequest) (*FileInfo, bool, error) {
	if req.FileID == "" || req.Checksum == "" || req.ChunkCount <= 0 || req.ChunkSize <= 0 {
		return nil, false, ErrInvalidAnnounce
	}
	if want := int((req.FileSize + int64(req.ChunkSize) - 1) / int64(req.ChunkSize)); want != req.ChunkCount {
		return nil, false, fmt.Errorf("%w: chunk count %d does not match size %d/%d", ErrInvalidAnnounce, req.ChunkCount, req.FileSize, req.ChunkSize)
	}

	f, created := r.getOrCreate(req)

	f.mu.Lock()
	defer f.mu.Unlock()

	if !created {
		if !f.Shared.Contains(req.Principal) {
			return nil, false, ErrAccessDenied
		}
		if f.Checksum != req.Checksum {
			return nil, false, fmt.Errorf("announce for %s: %w", req.FileID, ErrChecksumMismatch)
		}
		// Announce-carried share targets are best effort on every path, so a
		// re-announce with a cached list never fails the whole call. Explicit
		// shareAdd keeps its hard error surface.
		for _, target := range req.ShareWith {
			if err := f.Shared.Add(req.Principal, target); err != nil {
				log.Printf("[registry] announce %s: share target %s dropped: %v", req.FileID, target, err)
			}
		}
	}

	key := DeviceKey{Principal: req.Principal, Device: req.Device}
	f.Seeders[key] = &SeederState{
		Chunks:      bitset.FromIndexes(f.ChunkCount, req.Chunks),
		UploadSlots: req.UploadSlots,
		LastSeen:    time.Now(),
	}
	// A full seeder is no longer a leecher.
	delete(f.Leechers, req.Principal)

	f.touch(r.cfg.RecordTTL)
	return f.info(), created, nil
}

// getOrCreate returns the record for req.FileID, creating it if unseen. The
// boolean reports whether this call created the record.
func (r *Registry) getOrCreate(req AnnounceRequest) (*FileRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.files[req.FileID]; ok {
		return f, false
	}

	now := time.Now()
	shared := access.NewList(req.Principal, r.cfg.MaxShareSize)
	for _, target := range req.ShareWith {
		if err := shared.Add(req.Principal, target); err != nil {
			log.Printf("[registry] announce %s: share target %s dropped: %v", req.FileID, target, err)
		}
	}

	f := &FileRecord{
		FileID:        req.FileID,
		FileSize:      req.FileSize,
		ChunkSize:     req.ChunkSize,
		ChunkCount:    req.ChunkCount,
		Checksum:      req.Checksum,
		ChecksumSetBy: req.Principal,
		ChecksumSetAt: now,
		CreatorID:     req.Principal,
		Shared:        shared,
		Seeders:       make(map[DeviceKey]*SeederState),
		Leechers:      make(map[string]*LeecherState),
		CreatedAt:     now,
	}
	r.files[req.FileID] = f
	return f, true
}

// get returns the record or nil.
func (r *Registry) get(fileID string) *FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.files[fileID]
}

// UpdateChunks reports the caller's current chunk set and upload activity. A
// device already in the seeder roster updates its bitmap; a device holding
// every chunk is promoted to seeder; anyone else is tracked as a leecher.
func (r *Registry) UpdateChunks(principal, device, fileID string, chunks []int, activeUploads int) (*FileInfo, error) {
	f := r.get(fileID)
	if f == nil {
		return nil, ErrAccessDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Shared.Contains(principal) {
		return nil, ErrAccessDenied
	}

	set := bitset.FromIndexes(f.ChunkCount, chunks)
	key := DeviceKey{Principal: principal, Device: device}
	now := time.Now()

	if s, ok := f.Seeders[key]; ok || set.Full() {
		if !ok {
			s = &SeederState{UploadSlots: 1}
			f.Seeders[key] = s
		}
		s.Chunks = set
		s.ActiveUploads = activeUploads
		s.LastSeen = now
		if set.Full() {
			delete(f.Leechers, principal)
		}
	} else {
		f.Leechers[principal] = &LeecherState{
			Chunks:   set,
			Progress: float64(set.Count()) / float64(f.ChunkCount) * 100,
			LastSeen: now,
		}
	}

	f.touch(r.cfg.RecordTTL)
	return f.info(), nil
}

// GetInfo returns the file's read model iff principal is in sharedWith.
// Unauthorized and unknown fileIDs are indistinguishable to the caller.
func (r *Registry) GetInfo(principal, fileID string) (*FileInfo, error) {
	f := r.get(fileID)
	if f == nil {
		return nil, ErrAccessDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Shared.Contains(principal) {
		return nil, ErrAccessDenied
	}

	// A getInfo is download intent; it refreshes the record's TTL.
	f.touch(r.cfg.RecordTTL)
	return f.info(), nil
}

// ListSeeders returns the seeding devices for a file, gated like GetInfo.
func (r *Registry) ListSeeders(principal, fileID string) ([]SeederInfo, error) {
	f := r.get(fileID)
	if f == nil {
		return nil, ErrAccessDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Shared.Contains(principal) {
		return nil, ErrAccessDenied
	}

	seeders := make([]SeederInfo, 0, len(f.Seeders))
	for key, s := range f.Seeders {
		seeders = append(seeders, SeederInfo{
			Principal:     key.Principal,
			Device:        key.Device,
			Chunks:        s.Chunks.Indexes(),
			UploadSlots:   s.UploadSlots,
			ActiveUploads: s.ActiveUploads,
		})
	}
	return seeders, nil
}

// ShareAdd authorizes targets. Permitted from the creator or any
// already-authorized principal, bounded by the configured maximum set size.
func (r *Registry) ShareAdd(principal, fileID string, targets []string) (*FileInfo, error) {
	f := r.get(fileID)
	if f == nil {
		return nil, ErrAccessDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, target := range targets {
		if err := f.Shared.Add(principal, target); err != nil {
			return nil, err
		}
	}
	f.touch(r.cfg.RecordTTL)
	return f.info(), nil
}

// ShareRevoke removes targets from sharedWith. The creator may revoke any
// principal; a non-creator may only remove themself. Revoked seeders are
// dropped from the roster; in-flight uploads they are serving to
// still-authorized peers are allowed to finish (see DESIGN.md).
func (r *Registry) ShareRevoke(principal, fileID string, targets []string) (*FileInfo, error) {
	f := r.get(fileID)
	if f == nil {
		return nil, ErrAccessDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, target := range targets {
		if err := f.Shared.Remove(principal, target); err != nil {
			return nil, err
		}
		for key := range f.Seeders {
			if key.Principal == target {
				delete(f.Seeders, key)
			}
		}
		delete(f.Leechers, target)
	}
	f.touch(r.cfg.RecordTTL)
	return f.info(), nil
}

// SharedWith returns the authorized principals for push targeting, or nil if
// the file is unknown.
func (r *Registry) SharedWith(fileID string) []string {
	f := r.get(fileID)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Shared.Members()
}

// Creator returns the file's creator, or "" if the file is unknown.
func (r *Registry) Creator(fileID string) string {
	f := r.get(fileID)
	if f == nil {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreatorID
}

// OnDisconnect removes the device from every seeder and leecher roster. The
// FileRecord itself is never deleted here; reconnection re-announces.
func (r *Registry) OnDisconnect(principal, device string) {
	r.mu.RLock()
	records := make([]*FileRecord, 0, len(r.files))
	for _, f := range r.files {
		records = append(records, f)
	}
	r.mu.RUnlock()

	key := DeviceKey{Principal: principal, Device: device}
	for _, f := range records {
		f.mu.Lock()
		delete(f.Seeders, key)
		delete(f.Leechers, principal)
		f.mu.Unlock()
	}
}

// SweepExpired removes records whose TTL has elapsed and returns the number
// removed. Run periodically by the coordinator.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, f := range r.files {
		f.mu.Lock()
		expired := f.ExpiresAt.Before(now)
		f.mu.Unlock()
		if expired {
			delete(r.files, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes registry contents for the coordinator's status endpoint.
type Stats struct {
	Files    int `json:"files"`
	Seeders  int `json:"seeders"`
	Leechers int `json:"leechers"`
}

// Snapshot returns summary statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st Stats
	st.Files = len(r.files)
	for _, f := range r.files {
		f.mu.Lock()
		st.Seeders += len(f.Seeders)
		st.Leechers += len(f.Leechers)
		f.mu.Unlock()
	}
	return st
}
