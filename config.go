package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/igorcrevar/utxo-go-syncer/blockbook"
	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/igorcrevar/utxo-go-syncer/wallettools"
)

const (
	indexFileName  = "index.db"
	kvStoreDirName = "store"
)

type AppConfig struct {
	DataDirectory  string `json:"dataDirectory"`
	KeyValueStore  string `json:"keyValueStore"`
	MetricsAddress string `json:"metricsAddress"`

	Wallet    wallettools.Config    `json:"wallet"`
	Blockbook blockbook.Config      `json:"blockbook"`
	Sync      core.SyncEngineConfig `json:"sync"`
	Logger    core.LoggerConfig     `json:"logger"`
}

func loadConfig(path string) (*AppConfig, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	config := &AppConfig{}
	if err := json.Unmarshal(bytes, config); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}

	if config.DataDirectory == "" {
		config.DataDirectory = "data"
	}

	if config.KeyValueStore == "" {
		config.KeyValueStore = "leveldb"
	}

	if config.Sync.CurrencyCode == "" {
		config.Sync.CurrencyCode = "BTC"
	}

	if len(config.Sync.Formats) == 0 {
		for format := range config.Wallet.XPubs {
			config.Sync.Formats = append(config.Sync.Formats, format)
		}

		sort.Slice(config.Sync.Formats, func(i, j int) bool {
			return config.Sync.Formats[i] < config.Sync.Formats[j]
		})
	}

	if config.Blockbook.WsAddress == "" {
		return nil, fmt.Errorf("blockbook.wsAddress is required")
	}

	if len(config.Wallet.XPubs) == 0 {
		return nil, fmt.Errorf("wallet.xpubs must contain at least one extended public key")
	}

	for _, format := range config.Sync.Formats {
		if _, exists := config.Wallet.XPubs[format]; !exists {
			return nil, fmt.Errorf("no extended public key for format %s", format)
		}
	}

	return config, nil
}

func (c *AppConfig) indexPath() string {
	return filepath.Join(c.DataDirectory, indexFileName)
}

func (c *AppConfig) kvStorePath() string {
	return filepath.Join(c.DataDirectory, kvStoreDirName)
}
