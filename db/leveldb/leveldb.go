package leveldb

import (
	"errors"
	"fmt"

	"github.com/igorcrevar/utxo-go-syncer/core"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type LevelDbKVStore struct {
	db *leveldb.DB
}

var _ core.KeyValueStore = (*LevelDbKVStore)(nil)

var syncWrite = &opt.WriteOptions{Sync: true}

func (ls *LevelDbKVStore) Init(filePath string) error {
	db, err := leveldb.OpenFile(filePath, nil)
	if err != nil {
		return fmt.Errorf("could not open db: %w", err)
	}

	ls.db = db

	return nil
}

// InitInMemory opens the store on volatile memory storage
func (ls *LevelDbKVStore) InitInMemory() error {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return fmt.Errorf("could not open db: %w", err)
	}

	ls.db = db

	return nil
}

func (ls *LevelDbKVStore) Get(path string) ([]byte, error) {
	data, err := ls.db.Get([]byte(path), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}

		return nil, err
	}

	return data, nil
}

func (ls *LevelDbKVStore) Set(path string, data []byte) error {
	return ls.db.Put([]byte(path), data, syncWrite)
}

func (ls *LevelDbKVStore) Delete(path string) error {
	return ls.db.Delete([]byte(path), syncWrite)
}

func (ls *LevelDbKVStore) Close() error {
	return ls.db.Close()
}
