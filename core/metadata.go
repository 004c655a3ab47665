package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const MetadataPath = "metadata.json"

type WalletMetadata struct {
	Balance             string `json:"balance"`
	LastSeenBlockHeight uint64 `json:"lastSeenBlockHeight"`
}

func defaultWalletMetadata() WalletMetadata {
	return WalletMetadata{
		Balance:             "0",
		LastSeenBlockHeight: 0,
	}
}

// Metadata is the persisted mirror of the wallet balance and last seen block height.
type Metadata struct {
	store  KeyValueStore
	logger hclog.Logger

	mu    sync.Mutex
	cache WalletMetadata
}

func NewMetadata(store KeyValueStore, logger hclog.Logger) *Metadata {
	m := &Metadata{
		store:  store,
		logger: loggerOrNull(logger),
	}

	m.cache = m.load()

	return m
}

func (m *Metadata) Balance() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cache.Balance
}

func (m *Metadata) LastSeenBlockHeight() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cache.LastSeenBlockHeight
}

func (m *Metadata) Snapshot() WalletMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cache
}

// ApplyBalanceDelta adds delta to the balance and returns the new balance.
// A delta that would make the balance negative is rejected and nothing changes.
func (m *Metadata) ApplyBalanceDelta(delta *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := ParseAmount(m.cache.Balance)
	if err != nil {
		return m.cache.Balance, err
	}

	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return m.cache.Balance, fmt.Errorf("%w: %s %+d", ErrNegativeBalance, m.cache.Balance, delta)
	}

	updated := m.cache
	updated.Balance = next.String()

	if err := m.persist(updated); err != nil {
		return m.cache.Balance, err
	}

	m.cache = updated

	return m.cache.Balance, nil
}

// SetBalance overwrites the balance, balance must not be negative.
func (m *Metadata) SetBalance(balance *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if balance.Sign() < 0 {
		return m.cache.Balance, fmt.Errorf("%w: %s", ErrNegativeBalance, balance)
	}

	updated := m.cache
	updated.Balance = balance.String()

	if err := m.persist(updated); err != nil {
		return m.cache.Balance, err
	}

	m.cache = updated

	return m.cache.Balance, nil
}

// SetLastSeenBlockHeight stores height if it is greater than the current one.
func (m *Metadata) SetLastSeenBlockHeight(height uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height <= m.cache.LastSeenBlockHeight {
		return false, nil
	}

	updated := m.cache
	updated.LastSeenBlockHeight = height

	if err := m.persist(updated); err != nil {
		return false, err
	}

	m.cache = updated

	return true, nil
}

func (m *Metadata) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(MetadataPath); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("could not delete metadata: %w", err)
	}

	m.cache = defaultWalletMetadata()

	return m.persist(m.cache)
}

func (m *Metadata) load() WalletMetadata {
	data, err := m.store.Get(MetadataPath)
	if err == nil {
		var result WalletMetadata

		if err = json.Unmarshal(data, &result); err == nil {
			if _, err = ParseAmount(result.Balance); err == nil {
				if result.Balance == "" {
					result.Balance = "0"
				}

				return result
			}
		}
	}

	if !errors.Is(err, ErrNotFound) {
		m.logger.Warn("metadata unreadable, resetting", "err", err)
	}

	result := defaultWalletMetadata()
	if err := m.persist(result); err != nil {
		m.logger.Error("could not reset metadata", "err", err)
	}

	return result
}

func (m *Metadata) persist(data WalletMetadata) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not marshal metadata: %w", err)
	}

	if err := m.store.Set(MetadataPath, bytes); err != nil {
		return fmt.Errorf("could not write metadata: %w", err)
	}

	return nil
}
