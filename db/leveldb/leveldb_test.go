package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/igorcrevar/utxo-go-syncer/core"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addressTransactionCacheState struct {
	Page            int    `json:"page"`
	NetworkQueryVal uint64 `json:"networkQueryVal"`
	Fetching        bool   `json:"fetching"`
	Path            string `json:"path"`
}

func TestLevelDbKVStore(t *testing.T) {
	store := &LevelDbKVStore{}
	require.NoError(t, store.InitInMemory())
	defer store.Close()

	_, err := store.Get("metadata.json")
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, store.Set("metadata.json", []byte(`{"balance":"1"}`)))

	data, err := store.Get("metadata.json")
	require.NoError(t, err)
	assert.Equal(t, `{"balance":"1"}`, string(data))

	require.NoError(t, store.Delete("metadata.json"))

	_, err = store.Get("metadata.json")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTaskCacheSurvivesReopen(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "store")
	tasks := map[string]addressTransactionCacheState{
		"lol": {
			Page:            1,
			NetworkQueryVal: 0,
			Fetching:        false,
			Path:            "lol",
		},
	}

	store := &LevelDbKVStore{}
	require.NoError(t, store.Init(filePath))

	taskCache := core.NewTaskCache[addressTransactionCacheState](store, hclog.NewNullLogger())
	require.NoError(t, taskCache.SetTaskCache(tasks))
	require.NoError(t, store.Close())

	store = &LevelDbKVStore{}
	require.NoError(t, store.Init(filePath))
	defer store.Close()

	taskCache = core.NewTaskCache[addressTransactionCacheState](store, hclog.NewNullLogger())

	result, err := taskCache.FetchTaskCache()
	require.NoError(t, err)
	assert.Equal(t, tasks, result)
}

func TestMetadataSurvivesReopen(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "store")

	store := &LevelDbKVStore{}
	require.NoError(t, store.Init(filePath))

	metadata := core.NewMetadata(store, hclog.NewNullLogger())
	changed, err := metadata.SetLastSeenBlockHeight(42)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, store.Close())

	store = &LevelDbKVStore{}
	require.NoError(t, store.Init(filePath))
	defer store.Close()

	metadata = core.NewMetadata(store, hclog.NewNullLogger())
	assert.Equal(t, uint64(42), metadata.LastSeenBlockHeight())
	assert.Equal(t, "0", metadata.Balance())
}
