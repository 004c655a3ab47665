package boltdb

import (
	"fmt"
	"time"

	"github.com/igorcrevar/utxo-go-syncer/core"

	bolt "go.etcd.io/bbolt"
)

var filesBucket = []byte("Files")

// BoltKVStore keeps every path as a key of a single bucket.
type BoltKVStore struct {
	db *bolt.DB
}

var _ core.KeyValueStore = (*BoltKVStore)(nil)

func (bs *BoltKVStore) Init(filePath string) error {
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("could not open db: %w", err)
	}

	bs.db = db

	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return fmt.Errorf("could not bucket: %s, err: %w", string(filesBucket), err)
		}

		return nil
	})
}

func (bs *BoltKVStore) Get(path string) ([]byte, error) {
	var result []byte

	if err := bs.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(filesBucket).Get([]byte(path)); data != nil {
			result = append([]byte{}, data...)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	if result == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}

	return result, nil
}

func (bs *BoltKVStore) Set(path string, data []byte) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(path), data)
	})
}

func (bs *BoltKVStore) Delete(path string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(path))
	})
}

func (bs *BoltKVStore) Close() error {
	return bs.db.Close()
}
