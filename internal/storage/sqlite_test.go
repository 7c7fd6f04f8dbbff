package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "peer.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestFileMeta_UpsertGet(t *testing.T) {
	d := openTestDB(t)

	m := &FileMeta{
		FileID:     "file-1",
		Status:     StatusDownloading,
		Checksum:   "aabbcc",
		ChunkCount: 16,
		ChunkSize:  65536,
		FileSize:   1048576,
		SharedWith: []string{"alice", "bob"},
	}
	if err := d.UpsertFileMeta(m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := d.GetFileMeta("file-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDownloading || got.ChunkCount != 16 {
		t.Fatalf("unexpected meta: %+v", got)
	}
	if len(got.SharedWith) != 2 || got.SharedWith[0] != "alice" {
		t.Fatalf("unexpected shared_with cache: %v", got.SharedWith)
	}

	// Upsert replaces.
	m.Status = StatusComplete
	if err := d.UpsertFileMeta(m); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	got, _ = d.GetFileMeta("file-1")
	if got.Status != StatusComplete {
		t.Fatalf("expected status complete, got %s", got.Status)
	}
}

func TestFileMeta_NotFound(t *testing.T) {
	d := openTestDB(t)
	if _, err := d.GetFileMeta("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := d.SetFileStatus("missing", StatusSeeding); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFileMeta_ByStatus(t *testing.T) {
	d := openTestDB(t)
	for i, status := range []FileStatus{StatusSeeding, StatusPartial, StatusSeeding} {
		m := &FileMeta{
			FileID:     string(rune('a' + i)),
			Status:     status,
			Checksum:   "x",
			ChunkCount: 1,
			ChunkSize:  65536,
			FileSize:   1,
		}
		if err := d.UpsertFileMeta(m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	seeding, err := d.ListFileMeta(StatusSeeding)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(seeding) != 2 {
		t.Fatalf("expected 2 seeding files, got %d", len(seeding))
	}

	all, err := d.ListFileMeta("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 files, got %d", len(all))
	}
}

func TestFileKey_RoundTrip(t *testing.T) {
	d := openTestDB(t)
	m := &FileMeta{FileID: "file-1", Status: StatusSeeding, Checksum: "x", ChunkCount: 1, ChunkSize: 65536, FileSize: 1}
	if err := d.UpsertFileMeta(m); err != nil {
		t.Fatalf("upsert meta: %v", err)
	}

	k := &SealedKey{FileID: "file-1", Blob: []byte("sealed"), Salt: []byte("salt"), Nonce: []byte("nonce")}
	if err := d.SaveFileKey(k); err != nil {
		t.Fatalf("save key: %v", err)
	}

	got, err := d.GetFileKey("file-1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if string(got.Blob) != "sealed" {
		t.Fatalf("unexpected key blob: %q", got.Blob)
	}

	if err := d.DeleteFileMeta("file-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.GetFileKey("file-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
}

func TestSetSharedWith(t *testing.T) {
	d := openTestDB(t)
	m := &FileMeta{
		FileID:     "file-1",
		Status:     StatusSeeding,
		Checksum:   "x",
		ChunkCount: 1,
		ChunkSize:  65536,
		FileSize:   1,
		SharedWith: []string{"alice"},
	}
	if err := d.UpsertFileMeta(m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := d.SetSharedWith("file-1", []string{"alice", "bob", "carol"}); err != nil {
		t.Fatalf("set shared_with: %v", err)
	}
	got, err := d.GetFileMeta("file-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.SharedWith) != 3 || got.SharedWith[2] != "carol" {
		t.Fatalf("unexpected shared_with cache: %v", got.SharedWith)
	}

	if err := d.SetSharedWith("missing", []string{"alice"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
