package chunkstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/swarmdrop/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(fileID string, index int, payload []byte) *crypto.EncryptedChunk {
	return &crypto.EncryptedChunk{
		FileID:        fileID,
		Index:         index,
		IV:            make([]byte, crypto.ChunkNonceLen),
		Ciphertext:    payload,
		PlaintextHash: crypto.HashBytes(payload),
	}
}

func TestPut_Idempotent(t *testing.T) {
	s := openTestStore(t)
	c := testChunk("file-1", 0, []byte("ciphertext-bytes"))

	isNew, err := s.Put(c)
	require.NoError(t, err)
	require.True(t, isNew, "first write must be new")

	// Storing identical (fileID, chunkIndex, bytes) twice yields one stored
	// copy and reports not-new, so progress is never double counted.
	isNew, err = s.Put(c)
	require.NoError(t, err)
	require.False(t, isNew, "duplicate write must be a no-op")

	indexes, err := s.Indexes("file-1")
	require.NoError(t, err)
	require.Equal(t, []int{0}, indexes)
}

func TestPut_LengthConflictOverwrites(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Put(testChunk("file-1", 0, []byte("short")))
	require.NoError(t, err)

	longer := testChunk("file-1", 0, []byte("a much longer ciphertext"))
	isNew, err := s.Put(longer)
	require.NoError(t, err)
	require.False(t, isNew, "conflict overwrite must not count as progress")

	got, err := s.Get("file-1", 0)
	require.NoError(t, err)
	require.Equal(t, longer.Ciphertext, got.Ciphertext)
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("file-1", 42)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestIndexes_SortedAndScoped(t *testing.T) {
	s := openTestStore(t)
	for _, idx := range []int{5, 0, 3} {
		_, err := s.Put(testChunk("file-1", idx, []byte("x")))
		require.NoError(t, err)
	}
	_, err := s.Put(testChunk("file-2", 1, []byte("y")))
	require.NoError(t, err)

	indexes, err := s.Indexes("file-1")
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 5}, indexes)
}

func TestDeleteFile(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(testChunk("file-1", 0, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, s.PutParity("file-1", 0, []byte("parity")))

	require.NoError(t, s.DeleteFile("file-1"))

	has, err := s.Has("file-1", 0)
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.GetParity("file-1", 0)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestParityRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutParity("file-1", 1, []byte("parity-data")))

	data, err := s.GetParity("file-1", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("parity-data"), data)
}
