package core

import (
	"math/big"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataBlockHeightOnlyIncreases(t *testing.T) {
	metadata := NewMetadata(newMemoryStore(), hclog.NewNullLogger())

	require.Equal(t, uint64(0), metadata.LastSeenBlockHeight())

	changed, err := metadata.SetLastSeenBlockHeight(10)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(10), metadata.LastSeenBlockHeight())

	changed, err = metadata.SetLastSeenBlockHeight(5)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(10), metadata.LastSeenBlockHeight())
}

func TestMetadataApplyBalanceDelta(t *testing.T) {
	metadata := NewMetadata(newMemoryStore(), hclog.NewNullLogger())

	balance, err := metadata.ApplyBalanceDelta(big.NewInt(100000))
	require.NoError(t, err)
	assert.Equal(t, "100000", balance)

	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	balance, err = metadata.ApplyBalanceDelta(huge)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234667890", balance)

	balance, err = metadata.ApplyBalanceDelta(new(big.Int).Neg(huge))
	require.NoError(t, err)
	assert.Equal(t, "100000", balance)
}

func TestMetadataRejectsNegativeBalance(t *testing.T) {
	metadata := NewMetadata(newMemoryStore(), hclog.NewNullLogger())

	_, err := metadata.ApplyBalanceDelta(big.NewInt(50))
	require.NoError(t, err)

	balance, err := metadata.ApplyBalanceDelta(big.NewInt(-51))
	require.ErrorIs(t, err, ErrNegativeBalance)
	assert.Equal(t, "50", balance)
	assert.Equal(t, "50", metadata.Balance())
}

func TestMetadataCorruptDataIsReset(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Set(MetadataPath, []byte(`{"balance":"abc"}`)))

	metadata := NewMetadata(store, hclog.NewNullLogger())
	assert.Equal(t, WalletMetadata{Balance: "0"}, metadata.Snapshot())

	data, err := store.Get(MetadataPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":"0","lastSeenBlockHeight":0}`, string(data))
}

func TestMetadataClear(t *testing.T) {
	store := newMemoryStore()
	metadata := NewMetadata(store, hclog.NewNullLogger())

	_, err := metadata.ApplyBalanceDelta(big.NewInt(7))
	require.NoError(t, err)
	_, err = metadata.SetLastSeenBlockHeight(99)
	require.NoError(t, err)

	require.NoError(t, metadata.Clear())
	assert.Equal(t, WalletMetadata{Balance: "0"}, metadata.Snapshot())

	reopened := NewMetadata(store, hclog.NewNullLogger())
	assert.Equal(t, WalletMetadata{Balance: "0"}, reopened.Snapshot())
}

func TestMetadataSetBalance(t *testing.T) {
	store := newMemoryStore()
	metadata := NewMetadata(store, hclog.NewNullLogger())

	balance, err := metadata.SetBalance(big.NewInt(50000))
	require.NoError(t, err)
	assert.Equal(t, "50000", balance)

	_, err = metadata.SetBalance(big.NewInt(-1))
	require.ErrorIs(t, err, ErrNegativeBalance)
	assert.Equal(t, "50000", metadata.Balance())

	assert.Equal(t, "50000", NewMetadata(store, hclog.NewNullLogger()).Balance())
}
