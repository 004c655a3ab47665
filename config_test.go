package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := loadConfig(writeConfig(t, `{
			"blockbook": {"wsAddress": "wss://btc.example.org/websocket", "requestTimeout": "20s"},
			"wallet": {"xpubs": {"bip84": "zpub", "bip44": "xpub"}},
			"sync": {"retryMaxInterval": "2m"}
		}`))
		require.NoError(t, err)

		assert.Equal(t, "data", config.DataDirectory)
		assert.Equal(t, "leveldb", config.KeyValueStore)
		assert.Equal(t, "BTC", config.Sync.CurrencyCode)
		assert.Equal(t, []core.CurrencyFormat{core.FormatBIP44, core.FormatBIP84}, config.Sync.Formats)
		assert.Equal(t, filepath.Join("data", "index.db"), config.indexPath())
		assert.Equal(t, 20*time.Second, config.Blockbook.RequestTimeout)
		assert.Equal(t, 2*time.Minute, config.Sync.RetryMaxInterval)
	})

	t.Run("missing address", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, `{"wallet": {"xpubs": {"bip44": "xpub"}}}`))
		require.ErrorContains(t, err, "wsAddress")
	})

	t.Run("format without key", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, `{
			"blockbook": {"wsAddress": "ws://localhost"},
			"wallet": {"xpubs": {"bip44": "xpub"}},
			"sync": {"formats": ["bip49"]}
		}`))
		require.ErrorContains(t, err, "bip49")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, `{`))
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})
}
