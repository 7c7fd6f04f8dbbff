// Package chunkstore persists encrypted chunks locally, keyed by
// (fileID, chunkIndex). Writes are idempotent: an identical-length duplicate
// is a no-op, a length mismatch is logged as a conflict and overwritten.
package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/ssd-technologies/swarmdrop/internal/crypto"
)

// ErrNotFound is returned when the requested chunk is not in the store.
var ErrNotFound = errors.New("chunk not found")

// Store is a badger-backed encrypted chunk store. It is the sole writer for
// any given (fileID, chunkIndex); badger transactions order writes per key.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a chunk store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(fileID string, index int) []byte {
	return []byte(fmt.Sprintf("chunk:%s:%08d", fileID, index))
}

func parityKey(fileID string, index int) []byte {
	return []byte(fmt.Sprintf("parity:%s:%08d", fileID, index))
}

// Put stores an encrypted chunk. It returns true if the chunk is new.
// Storing a duplicate with identical ciphertext length is a no-op and returns
// false; a length mismatch is logged as a conflict and the incoming copy
// overwrites the stored one.
func (s *Store) Put(c *crypto.EncryptedChunk) (bool, error) {
	key := chunkKey(c.FileID, c.Index)
	isNew := true

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var existing crypto.EncryptedChunk
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); verr != nil {
				return fmt.Errorf("decode existing chunk: %w", verr)
			}
			if len(existing.Ciphertext) == len(c.Ciphertext) {
				isNew = false
				return nil
			}
			log.Printf("[chunkstore] conflict for %s chunk %d: stored %d bytes, incoming %d bytes, overwriting",
				c.FileID, c.Index, len(existing.Ciphertext), len(c.Ciphertext))
			isNew = false
		case errors.Is(err, badger.ErrKeyNotFound):
			// first write
		default:
			return fmt.Errorf("lookup chunk: %w", err)
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

// Get retrieves a stored chunk.
func (s *Store) Get(fileID string, index int) (*crypto.EncryptedChunk, error) {
	var c crypto.EncryptedChunk
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(fileID, index))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get chunk: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Has reports whether the chunk is stored.
func (s *Store) Has(fileID string, index int) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(fileID, index))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has chunk: %w", err)
	}
	return true, nil
}

// Indexes returns the sorted chunk indexes stored for a file.
func (s *Store) Indexes(fileID string) ([]int, error) {
	prefix := []byte("chunk:" + fileID + ":")
	var indexes []int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			idx, err := strconv.Atoi(strings.TrimPrefix(key, string(prefix)))
			if err != nil {
				return fmt.Errorf("malformed chunk key %q: %w", key, err)
			}
			indexes = append(indexes, idx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return indexes, nil
}

// PutParity stores one parity chunk for a file.
func (s *Store) PutParity(fileID string, index int, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(parityKey(fileID, index), data)
	})
	if err != nil {
		return fmt.Errorf("put parity: %w", err)
	}
	return nil
}

// GetParity retrieves one parity chunk for a file.
func (s *Store) GetParity(fileID string, index int) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(parityKey(fileID, index))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get parity: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteFile removes every chunk and parity chunk for a file.
func (s *Store) DeleteFile(fileID string) error {
	for _, prefix := range []string{"chunk:" + fileID + ":", "parity:" + fileID + ":"} {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}

		for _, key := range keys {
			if err := s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(key)
			}); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
	}
	return nil
}
