package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	value, err := ParseAmount("")
	require.NoError(t, err)
	require.Equal(t, "0", value.String())

	value, err = ParseAmount("2100000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "2100000000000000000000", value.String())

	_, err = ParseAmount("1.5")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSumUtxoValues(t *testing.T) {
	sum, err := SumUtxoValues([]*Utxo{{Value: "100000"}, {Value: "18446744073709551615"}, {Value: ""}})
	require.NoError(t, err)
	require.Equal(t, "18446744073709651615", sum.String())

	_, err = SumUtxoValues([]*Utxo{{Value: "abc"}})
	require.ErrorIs(t, err, ErrInvalidAmount)
}
