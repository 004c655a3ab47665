package db

import (
	"strings"

	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/igorcrevar/utxo-go-syncer/db/boltdb"
	"github.com/igorcrevar/utxo-go-syncer/db/leveldb"
)

type KeyValueStoreInitializer interface {
	core.KeyValueStore
	Init(filePath string) error
}

func NewKeyValueStore(name string) KeyValueStoreInitializer {
	switch strings.ToLower(name) {
	case "bolt", "boltdb":
		return &boltdb.BoltKVStore{}
	default:
		return &leveldb.LevelDbKVStore{}
	}
}

func NewKeyValueStoreInit(name string, filePath string) (core.KeyValueStore, error) {
	store := NewKeyValueStore(name)
	if err := store.Init(filePath); err != nil {
		return nil, err
	}

	return store, nil
}

func NewIndexInit(filePath string) (core.Index, error) {
	index := &boltdb.BoltIndex{}
	if err := index.Init(filePath); err != nil {
		return nil, err
	}

	return index, nil
}
