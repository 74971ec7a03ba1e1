package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// SharedFile is the index record kept for every shared content item.
type SharedFile struct {
	Name      string `json:"name"`
	InfoHash  string `json:"infohash"`
	Size      int64  `json:"size"`
	NumChunks int    `json:"num_chunks"`
	SharedAt  int64  `json:"shared_at"` // Unix timestamp
}

// Index wraps BadgerDB for shared-manifest lookups. The canonical .rift
// files on disk remain the wire source of truth; the index only serves
// enumeration and name-based lookup.
type Index struct {
	db *badger.DB
}

// OpenIndex opens (or creates) a BadgerDB at the given path.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}
	return &Index{db: db}, nil
}

// Close closes the BadgerDB.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put stores a shared-file record keyed by its display name.
func (ix *Index) Put(rec SharedFile) error {
	key := []byte("shared:" + rec.Name)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// GetByName retrieves a shared-file record by display name.
func (ix *Index) GetByName(name string) (SharedFile, error) {
	key := []byte("shared:" + name)
	var rec SharedFile
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrNotShared
	}
	return rec, err
}

// List returns all shared-file records.
func (ix *Index) List() ([]SharedFile, error) {
	var recs []SharedFile
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("shared:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec SharedFile
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Delete removes a shared-file record by display name.
func (ix *Index) Delete(name string) error {
	key := []byte("shared:" + name)
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// NewSharedFile builds an index record for a freshly shared file.
func NewSharedFile(name, infohash string, size int64, numChunks int) SharedFile {
	return SharedFile{
		Name:      name,
		InfoHash:  infohash,
		Size:      size,
		NumChunks: numChunks,
		SharedAt:  time.Now().Unix(),
	}
}
