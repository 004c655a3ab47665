package core

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNegativeBalance = errors.New("negative balance")
)

// ParseAmount parses a base 10 amount expressed in the smallest native unit. Empty means zero.
func ParseAmount(value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}

	result, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}

	return result, nil
}

func SumUtxoValues(utxos []*Utxo) (*big.Int, error) {
	sum := new(big.Int)

	for _, utxo := range utxos {
		value, err := ParseAmount(utxo.Value)
		if err != nil {
			return nil, err
		}

		sum.Add(sum, value)
	}

	return sum, nil
}
