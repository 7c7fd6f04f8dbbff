package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/access"
)

func testRegistry() *Registry {
	return New(Config{MaxShareSize: 16, RecordTTL: time.Hour})
}

func announceReq(principal, fileID string) AnnounceRequest {
	chunks := make([]int, 16)
	for i := range chunks {
		chunks[i] = i
	}
	return AnnounceRequest{
		Principal:   principal,
		Device:      "dev-1",
		FileID:      fileID,
		FileSize:    1048576,
		ChunkSize:   65536,
		ChunkCount:  16,
		Checksum:    "aabbcc",
		Chunks:      chunks,
		UploadSlots: 4,
	}
}

func TestAnnounce_CreatesRecord(t *testing.T) {
	r := testRegistry()

	info, _, err := r.Announce(announceReq("alice", "file-1"))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if info.ChunkCount != 16 {
		t.Fatalf("expected chunkCount=16 for 1048576-byte file with 65536-byte chunks, got %d", info.ChunkCount)
	}
	if info.Checksum != "aabbcc" {
		t.Fatalf("unexpected checksum %q", info.Checksum)
	}
	if info.SeederCount != 1 {
		t.Fatalf("expected 1 seeder, got %d", info.SeederCount)
	}
	if info.ChunkQuality != 100 {
		t.Fatalf("expected quality 100, got %v", info.ChunkQuality)
	}
}

func TestAnnounce_ChecksumWriteOnce(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// A second announce with a different checksum is rejected, never merged.
	req := announceReq("alice", "file-1")
	req.Checksum = "ddeeff"
	if _, _, err := r.Announce(req); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	info, err := r.GetInfo("alice", "file-1")
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if info.Checksum != "aabbcc" {
		t.Fatal("canonical checksum mutated by rejected announce")
	}
}

func TestAnnounce_UnauthorizedSeederDenied(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	req := announceReq("mallory", "file-1")
	if _, _, err := r.Announce(req); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestAnnounce_InvalidChunkCount(t *testing.T) {
	r := testRegistry()
	req := announceReq("alice", "file-1")
	req.ChunkCount = 17
	if _, _, err := r.Announce(req); !errors.Is(err, ErrInvalidAnnounce) {
		t.Fatalf("expected invalid announce, got %v", err)
	}
}

func TestGetInfo_AccessIffMembership(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// Not shared yet: denied.
	if _, err := r.GetInfo("bob", "file-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	// Unknown file looks exactly the same.
	if _, err := r.GetInfo("bob", "no-such-file"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied for unknown file, got %v", err)
	}

	// After the creator adds bob, getInfo succeeds with full quality.
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("share add: %v", err)
	}
	info, err := r.GetInfo("bob", "file-1")
	if err != nil {
		t.Fatalf("get info after share: %v", err)
	}
	if info.ChunkQuality != 100 {
		t.Fatalf("expected chunkQuality=100, got %v", info.ChunkQuality)
	}
	if len(info.MissingChunks) != 0 {
		t.Fatalf("expected no missing chunks, got %v", info.MissingChunks)
	}
}

func TestShareRevoke_Rules(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob", "carol"}); err != nil {
		t.Fatalf("share add: %v", err)
	}

	// Self-revoke always succeeds.
	if _, err := r.ShareRevoke("bob", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("self revoke: %v", err)
	}
	if _, err := r.GetInfo("bob", "file-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatal("bob should lose access after self-revoke")
	}

	// A non-creator revoking a different principal always fails.
	if _, err := r.ShareRevoke("carol", "file-1", []string{"alice"}); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// The creator may revoke anyone.
	if _, err := r.ShareRevoke("alice", "file-1", []string{"carol"}); err != nil {
		t.Fatalf("creator revoke: %v", err)
	}
}

func TestShareRevoke_DropsSeeder(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("share add: %v", err)
	}
	if _, _, err := r.Announce(announceReq("bob", "file-1")); err != nil {
		t.Fatalf("bob announce: %v", err)
	}

	if _, err := r.ShareRevoke("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	seeders, err := r.ListSeeders("alice", "file-1")
	if err != nil {
		t.Fatalf("list seeders: %v", err)
	}
	for _, s := range seeders {
		if s.Principal == "bob" {
			t.Fatal("revoked principal still in seeder roster")
		}
	}
}

func TestShareAdd_Limit(t *testing.T) {
	r := New(Config{MaxShareSize: 2, RecordTTL: time.Hour})
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("share add within limit: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"carol"}); !errors.Is(err, access.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
}

func TestShareAdd_MemberMayExtend(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("share add: %v", err)
	}
	// A downloader-turned-seeder can extend sharing.
	if _, err := r.ShareAdd("bob", "file-1", []string{"carol"}); err != nil {
		t.Fatalf("member extend: %v", err)
	}
	if _, err := r.GetInfo("carol", "file-1"); err != nil {
		t.Fatalf("carol should have access: %v", err)
	}
}

func TestUpdateChunks_LeecherThenSeeder(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.ShareAdd("alice", "file-1", []string{"bob"}); err != nil {
		t.Fatalf("share add: %v", err)
	}

	// Partial set: bob is a leecher, not a seeder.
	info, err := r.UpdateChunks("bob", "dev-2", "file-1", []int{0, 1, 2}, 0)
	if err != nil {
		t.Fatalf("update chunks: %v", err)
	}
	if info.SeederCount != 1 {
		t.Fatalf("expected 1 seeder while bob is partial, got %d", info.SeederCount)
	}

	// Full set: promoted to seeder.
	all := make([]int, 16)
	for i := range all {
		all[i] = i
	}
	info, err = r.UpdateChunks("bob", "dev-2", "file-1", all, 0)
	if err != nil {
		t.Fatalf("update chunks full: %v", err)
	}
	if info.SeederCount != 2 {
		t.Fatalf("expected 2 seeders after promotion, got %d", info.SeederCount)
	}
}

func TestUpdateChunks_RecordsUploadActivity(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	all := make([]int, 16)
	for i := range all {
		all[i] = i
	}
	if _, err := r.UpdateChunks("alice", "dev-1", "file-1", all, 3); err != nil {
		t.Fatalf("update chunks: %v", err)
	}

	seeders, err := r.ListSeeders("alice", "file-1")
	if err != nil {
		t.Fatalf("list seeders: %v", err)
	}
	if len(seeders) != 1 || seeders[0].ActiveUploads != 3 {
		t.Fatalf("expected 1 seeder with 3 active uploads, got %+v", seeders)
	}

	// Back to idle.
	if _, err := r.UpdateChunks("alice", "dev-1", "file-1", all, 0); err != nil {
		t.Fatalf("update chunks idle: %v", err)
	}
	seeders, _ = r.ListSeeders("alice", "file-1")
	if seeders[0].ActiveUploads != 0 {
		t.Fatalf("expected idle seeder, got %d active uploads", seeders[0].ActiveUploads)
	}
}

func TestAnnounce_ShareTargetsBestEffort(t *testing.T) {
	r := New(Config{MaxShareSize: 2, RecordTTL: time.Hour})
	req := announceReq("alice", "file-1")
	req.ShareWith = []string{"bob"}
	if _, _, err := r.Announce(req); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// A re-announce carrying a cached list succeeds even when some targets
	// are already members or exceed the share limit; the over-limit target is
	// dropped, not the call.
	req.ShareWith = []string{"bob", "carol"}
	info, _, err := r.Announce(req)
	if err != nil {
		t.Fatalf("re-announce with cached targets: %v", err)
	}
	if len(info.SharedWith) != 2 {
		t.Fatalf("expected sharedWith [alice bob], got %v", info.SharedWith)
	}
	if _, err := r.GetInfo("carol", "file-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatal("over-limit target must not gain access")
	}
}

func TestOnDisconnect_KeepsRecord(t *testing.T) {
	r := testRegistry()
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	r.OnDisconnect("alice", "dev-1")

	info, err := r.GetInfo("alice", "file-1")
	if err != nil {
		t.Fatalf("record must survive disconnect: %v", err)
	}
	if info.SeederCount != 0 {
		t.Fatalf("expected 0 seeders after disconnect, got %d", info.SeederCount)
	}

	// Re-announce self-heals the roster.
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("re-announce: %v", err)
	}
	info, _ = r.GetInfo("alice", "file-1")
	if info.SeederCount != 1 {
		t.Fatalf("expected 1 seeder after re-announce, got %d", info.SeederCount)
	}
}

func TestSweepExpired(t *testing.T) {
	r := New(Config{MaxShareSize: 16, RecordTTL: time.Hour})
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if n := r.SweepExpired(time.Now()); n != 0 {
		t.Fatalf("fresh record swept: %d", n)
	}
	if n := r.SweepExpired(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected 1 expired record, got %d", n)
	}
	if _, err := r.GetInfo("alice", "file-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatal("swept record should be gone")
	}
}

func TestSweepExpired_RefreshedByActivity(t *testing.T) {
	r := New(Config{MaxShareSize: 16, RecordTTL: time.Hour})
	if _, _, err := r.Announce(announceReq("alice", "file-1")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// A getInfo counts as download activity and refreshes the TTL, so a sweep
	// relative to the original expiry must not remove the record.
	time.Sleep(10 * time.Millisecond)
	if _, err := r.GetInfo("alice", "file-1"); err != nil {
		t.Fatalf("get info: %v", err)
	}

	f := r.get("file-1")
	f.mu.Lock()
	expiry := f.ExpiresAt
	f.mu.Unlock()
	if !expiry.After(time.Now().Add(59 * time.Minute)) {
		t.Fatal("expected TTL refreshed by getInfo")
	}
}

func TestCoverage_PartialSeeders(t *testing.T) {
	r := testRegistry()
	req := announceReq("alice", "file-1")
	req.Chunks = []int{0, 1, 2, 3, 4, 5, 6, 7}
	if _, _, err := r.Announce(req); err != nil {
		t.Fatalf("announce: %v", err)
	}

	info, err := r.GetInfo("alice", "file-1")
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if info.ChunkQuality != 50 {
		t.Fatalf("expected 50%% quality, got %v", info.ChunkQuality)
	}
	if len(info.MissingChunks) != 8 {
		t.Fatalf("expected 8 missing chunks, got %d", len(info.MissingChunks))
	}
}
